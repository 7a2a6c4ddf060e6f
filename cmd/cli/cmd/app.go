package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"modelplane/internal/artifact"
	"modelplane/internal/config"
	"modelplane/internal/logger"
	"modelplane/internal/observability"
	"modelplane/internal/registry"
	"modelplane/internal/serving"
	"modelplane/internal/serving/runtime"
	"modelplane/internal/store"
	"modelplane/internal/store/memory"
	"modelplane/internal/store/sqlstore"

	"github.com/spf13/viper"
)

// app holds the collaborators a command works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry

	runtime       runtime.Runtime
	metrics       *observability.Metrics
	shutdownTrace func(context.Context) error
}

// newRuntime builds the serving runtime. Tests replace it.
var newRuntime = func(ctx context.Context, cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "docker":
		return runtime.NewDockerRuntime(cfg.PredictorImage, cfg.PredictorPort)
	case "kubernetes":
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			ServiceAccount: cfg.KubernetesServiceAccount,
			Image:          cfg.PredictorImage,
			Port:           cfg.PredictorPort,
			CPULimit:       cfg.KubernetesCPULimit,
			MemoryLimit:    cfg.KubernetesMemoryLimit,
		})
	default:
		return runtime.NewExecRuntime(cfg.RuntimeWorkDir, cfg.PredictorBinary), nil
	}
}

// logOutput is where command logs go. Tests replace it.
var logOutput io.Writer = os.Stderr

// loadConfig reads the config file and applies flag and MODELPLANE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("registry_driver"); v != "" {
		cfg.RegistryDriver = v
	}
	if v := viper.GetString("database_url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := viper.GetString("runtime"); v != "" {
		cfg.Runtime = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.ServiceStore, error) {
	if cfg.RegistryDriver == "memory" {
		return memory.New(), nil
	}
	return sqlstore.New(ctx, cfg.RegistryDriver, cfg.DatabaseURL)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(logOutput, cfg.LogLevel)

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open service registry: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   log,
		registry: registry.New(s, log),
	}

	metrics, err := observability.InitMetrics(ctx, "mpctl")
	if err != nil {
		log.Warn("metrics disabled", "error", err)
	} else {
		a.metrics = metrics
	}

	if viper.GetBool("trace") {
		shutdown, err := observability.InitTracer(ctx, "modelplane-cli", cfg.OTELEndpoint)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			a.shutdownTrace = shutdown
		}
	}
	return a, nil
}

// Runtime connects to the serving backend on first use.
func (a *app) Runtime(ctx context.Context) (runtime.Runtime, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	rt, err := newRuntime(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s runtime: %w", a.cfg.Runtime, err)
	}
	if a.cfg.Runtime != "exec" && a.cfg.ArtifactStore == "local" {
		a.logger.Warn("local artifacts are not visible to remote runtimes, use the s3 artifact store", "runtime", a.cfg.Runtime)
	}
	a.runtime = rt
	return rt, nil
}

func (a *app) Deployer(ctx context.Context) (*serving.Deployer, error) {
	rt, err := a.Runtime(ctx)
	if err != nil {
		return nil, err
	}
	var metrics *observability.DeploymentMetrics
	if a.metrics != nil {
		metrics = a.metrics.Deployment
	}
	return serving.NewDeployer(a.registry, rt, serving.Options{
		Env:     predictorEnv(a.cfg),
		Metrics: metrics,
		Logger:  a.logger,
	}), nil
}

func (a *app) Artifacts(ctx context.Context) (artifact.Store, error) {
	return artifact.New(ctx, artifact.Config{
		Backend:           a.cfg.ArtifactStore,
		Dir:               a.cfg.ArtifactDir,
		S3Bucket:          a.cfg.S3Bucket,
		S3Region:          a.cfg.S3Region,
		S3Endpoint:        a.cfg.S3Endpoint,
		S3AccessKeyID:     a.cfg.S3AccessKeyID,
		S3SecretAccessKey: a.cfg.S3SecretAccessKey,
	})
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if a.cfg.MetricsPushURL != "" {
			if err := a.metrics.Push(ctx, a.cfg.MetricsPushURL); err != nil {
				a.logger.Warn("failed to push metrics", "url", a.cfg.MetricsPushURL, "error", err)
			}
		}
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shutdown metrics", "error", err)
		}
		cancel()
	}
	if a.shutdownTrace != nil {
		if err := a.shutdownTrace(context.Background()); err != nil {
			a.logger.Warn("failed to shutdown tracer", "error", err)
		}
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("failed to close registry", "error", err)
	}
}

// predictorEnv is the configuration a launched predictor needs to fetch its model.
func predictorEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"LOG_LEVEL":            cfg.LogLevel,
		"ARTIFACT_STORE":       cfg.ArtifactStore,
		"PREDICTOR_RATE_LIMIT": strconv.FormatFloat(cfg.PredictorRateLimit, 'f', -1, 64),
		"PREDICTOR_RATE_BURST": strconv.Itoa(cfg.PredictorRateBurst),
	}
	optional := map[string]string{
		"S3_BUCKET":            cfg.S3Bucket,
		"S3_ENDPOINT":          cfg.S3Endpoint,
		"S3_REGION":            cfg.S3Region,
		"S3_ACCESS_KEY_ID":     cfg.S3AccessKeyID,
		"S3_SECRET_ACCESS_KEY": cfg.S3SecretAccessKey,
	}
	for k, v := range optional {
		if v != "" {
			env[k] = v
		}
	}
	return env
}
