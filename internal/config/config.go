// Package config loads modelplane settings from a yaml file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modelplane/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	LogLevel string

	// Service registry backend: sqlite3, postgres or memory.
	RegistryDriver string
	// DSN for the registry. For sqlite3 this is a file path.
	DatabaseURL string

	// Identity used by the continuous deployment pipeline when registering services.
	PipelineName string
	StepName     string
	ModelName    string

	// Deployment gate: the metric it reads and its threshold. For r2 the score
	// must exceed MinAccuracy, for mse and rmse it must stay below it.
	GateMetric  string
	MinAccuracy float64
	// Metrics computed on the test split. The gate metric is always added.
	EvalMetrics []string
	// Concurrent predictions a served model accepts.
	Workers int
	// Blocking budget for starting or stopping a service from the training pipeline.
	ServiceStartTimeout time.Duration
	// Blocking budget for the inference pipeline's start call.
	InferenceStartTimeout time.Duration

	// Serving runtime: exec, docker or kubernetes.
	Runtime         string
	RuntimeWorkDir  string
	PredictorBinary string
	PredictorImage  string
	PredictorPort   int

	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string

	// Artifact store: local or s3.
	ArtifactStore     string
	ArtifactDir       string
	S3Bucket          string
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Token bucket applied by the predictor server. 0 means unlimited.
	PredictorRateLimit float64
	PredictorRateBurst int

	OTELEndpoint string
	// Prometheus pushgateway receiving CLI metrics when a command exits. Empty disables pushing.
	MetricsPushURL string
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"log_level":                  "LOG_LEVEL",
	"registry_driver":            "REGISTRY_DRIVER",
	"database_url":               "DATABASE_URL",
	"pipeline_name":              "PIPELINE_NAME",
	"step_name":                  "STEP_NAME",
	"model_name":                 "MODEL_NAME",
	"gate_metric":                "GATE_METRIC",
	"min_accuracy":               "MIN_ACCURACY",
	"eval_metrics":               "EVAL_METRICS",
	"workers":                    "WORKERS",
	"service_start_timeout":      "SERVICE_START_TIMEOUT",
	"inference_start_timeout":    "INFERENCE_START_TIMEOUT",
	"runtime":                    "RUNTIME",
	"runtime_workdir":            "RUNTIME_WORKDIR",
	"predictor_binary":           "PREDICTOR_BINARY",
	"predictor_image":            "PREDICTOR_IMAGE",
	"predictor_port":             "PREDICTOR_PORT",
	"kubernetes_namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes_service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes_cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes_memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"artifact_store":             "ARTIFACT_STORE",
	"artifact_dir":               "ARTIFACT_DIR",
	"s3_bucket":                  "S3_BUCKET",
	"s3_endpoint":                "S3_ENDPOINT",
	"s3_region":                  "S3_REGION",
	"s3_access_key_id":           "S3_ACCESS_KEY_ID",
	"s3_secret_access_key":       "S3_SECRET_ACCESS_KEY",
	"predictor_rate_limit":       "PREDICTOR_RATE_LIMIT",
	"predictor_rate_burst":       "PREDICTOR_RATE_BURST",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"metrics_push_url":           "METRICS_PUSH_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("registry_driver", "sqlite3")
	v.SetDefault("database_url", filepath.Join(defaultStateDir(), "registry.db"))
	v.SetDefault("pipeline_name", "continuous_deployment_pipeline")
	v.SetDefault("step_name", "model_deployer_step")
	v.SetDefault("model_name", "model")
	v.SetDefault("gate_metric", "r2")
	v.SetDefault("min_accuracy", 0.0)
	v.SetDefault("eval_metrics", "r2,rmse,mse")
	v.SetDefault("workers", 1)
	v.SetDefault("service_start_timeout", 60*time.Second)
	v.SetDefault("inference_start_timeout", 10*time.Second)
	v.SetDefault("runtime", "exec")
	v.SetDefault("runtime_workdir", filepath.Join(defaultStateDir(), "services"))
	v.SetDefault("predictor_binary", "predictor")
	v.SetDefault("predictor_image", "modelplane/predictor:latest")
	v.SetDefault("predictor_port", 8080)
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_cpu_limit", "500m")
	v.SetDefault("kubernetes_memory_limit", "256Mi")
	v.SetDefault("artifact_store", "local")
	v.SetDefault("artifact_dir", filepath.Join(defaultStateDir(), "artifacts"))
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("predictor_rate_limit", 0.0)
	v.SetDefault("predictor_rate_burst", 1)
	v.SetDefault("otel_endpoint", "localhost:4317")
}

func defaultStateDir() string {
	return filepath.Join(os.TempDir(), "modelplane")
}

// Load reads configuration from an optional yaml file and the environment.
// Environment variables take precedence over the file. An empty path looks for
// modelplane.yaml in the working directory and silently skips it when absent.
func Load(path string) (*Config, error) {
	// A missing .env is fine; explicit env always wins over it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("modelplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		LogLevel:                 v.GetString("log_level"),
		RegistryDriver:           v.GetString("registry_driver"),
		DatabaseURL:              v.GetString("database_url"),
		PipelineName:             v.GetString("pipeline_name"),
		StepName:                 v.GetString("step_name"),
		ModelName:                v.GetString("model_name"),
		GateMetric:               v.GetString("gate_metric"),
		MinAccuracy:              v.GetFloat64("min_accuracy"),
		EvalMetrics:              splitList(v.GetString("eval_metrics")),
		Workers:                  v.GetInt("workers"),
		ServiceStartTimeout:      v.GetDuration("service_start_timeout"),
		InferenceStartTimeout:    v.GetDuration("inference_start_timeout"),
		Runtime:                  v.GetString("runtime"),
		RuntimeWorkDir:           v.GetString("runtime_workdir"),
		PredictorBinary:          v.GetString("predictor_binary"),
		PredictorImage:           v.GetString("predictor_image"),
		PredictorPort:            v.GetInt("predictor_port"),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		ArtifactStore:            v.GetString("artifact_store"),
		ArtifactDir:              v.GetString("artifact_dir"),
		S3Bucket:                 v.GetString("s3_bucket"),
		S3Endpoint:               v.GetString("s3_endpoint"),
		S3Region:                 v.GetString("s3_region"),
		S3AccessKeyID:            v.GetString("s3_access_key_id"),
		S3SecretAccessKey:        v.GetString("s3_secret_access_key"),
		PredictorRateLimit:       v.GetFloat64("predictor_rate_limit"),
		PredictorRateBurst:       v.GetInt("predictor_rate_burst"),
		OTELEndpoint:             v.GetString("otel_endpoint"),
		MetricsPushURL:           v.GetString("metrics_push_url"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum-like fields and required combinations.
func (c *Config) Validate() error {
	switch c.RegistryDriver {
	case "sqlite3", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres registry (env: DATABASE_URL)")
		}
	default:
		return fmt.Errorf("invalid registry_driver %q: must be sqlite3, postgres or memory", c.RegistryDriver)
	}

	switch c.Runtime {
	case "exec", "docker", "kubernetes":
	default:
		return fmt.Errorf("invalid runtime %q: must be exec, docker or kubernetes", c.Runtime)
	}

	switch c.ArtifactStore {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("s3_bucket is required for the s3 artifact store (env: S3_BUCKET)")
		}
	default:
		return fmt.Errorf("invalid artifact_store %q: must be local or s3", c.ArtifactStore)
	}

	if c.PipelineName == "" || c.StepName == "" || c.ModelName == "" {
		return fmt.Errorf("pipeline_name, step_name and model_name are required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.ServiceStartTimeout <= 0 || c.InferenceStartTimeout <= 0 {
		return fmt.Errorf("service timeouts must be positive")
	}
	if _, err := c.GateMetricKind(); err != nil {
		return fmt.Errorf("invalid gate_metric: %w", err)
	}
	if _, err := c.EvalMetricKinds(); err != nil {
		return fmt.Errorf("invalid eval_metrics: %w", err)
	}
	return nil
}

// GateMetricKind parses GateMetric. Empty means r2.
func (c *Config) GateMetricKind() (model.MetricKind, error) {
	if c.GateMetric == "" {
		return model.R2, nil
	}
	return model.ParseMetricKind(c.GateMetric)
}

// EvalMetricKinds parses EvalMetrics. Empty means every metric.
func (c *Config) EvalMetricKinds() ([]model.MetricKind, error) {
	if len(c.EvalMetrics) == 0 {
		return append([]model.MetricKind(nil), model.AllMetrics...), nil
	}
	kinds := make([]model.MetricKind, 0, len(c.EvalMetrics))
	for _, name := range c.EvalMetrics {
		k, err := model.ParseMetricKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// splitList splits a comma separated value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
