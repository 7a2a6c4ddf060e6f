package cmd

import (
	"time"

	"modelplane/internal/model"
	"modelplane/internal/pipeline"
	"modelplane/internal/store"
	"modelplane/pkg/api"

	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model and deploy it when it clears the accuracy gate",
	Long: `Run the continuous deployment pipeline: ingest the CSV, clean and split it,
fit a linear regression, evaluate it (R2, RMSE, MSE), store the model artifact and,
when the gate metric clears --min-accuracy, deploy it as a prediction service.
R2 must be strictly greater than the threshold; MSE and RMSE strictly lower.

A service already serving the same artifact is reused. Any other live service for
the same pipeline, step and model is stopped before the new one starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		dataPath, _ := cmd.Flags().GetString("data")
		gateMetric, err := a.cfg.GateMetricKind()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("gate-metric") {
			name, _ := cmd.Flags().GetString("gate-metric")
			if gateMetric, err = model.ParseMetricKind(name); err != nil {
				return err
			}
		}
		evalMetrics, err := a.cfg.EvalMetricKinds()
		if err != nil {
			return err
		}
		minAccuracy := a.cfg.MinAccuracy
		if cmd.Flags().Changed("min-accuracy") {
			minAccuracy, _ = cmd.Flags().GetFloat64("min-accuracy")
		}
		workers := a.cfg.Workers
		if cmd.Flags().Changed("workers") {
			workers, _ = cmd.Flags().GetInt("workers")
		}
		timeout := a.cfg.ServiceStartTimeout
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetDuration("timeout")
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		artifacts, err := a.Artifacts(ctx)
		if err != nil {
			return err
		}
		deployer, err := a.Deployer(ctx)
		if err != nil {
			return err
		}

		o := &pipeline.Orchestrator{
			Artifacts: artifacts,
			Deployer:  deployer,
			Identity:  store.PipelineRunIdentity{PipelineName: a.cfg.PipelineName, StepName: a.cfg.StepName},
			ModelName: a.cfg.ModelName,
			Logger:    a.logger,
		}

		res, err := o.RunTraining(ctx, pipeline.TrainingParams{
			DataPath:    dataPath,
			GateMetric:  gateMetric,
			MinAccuracy: minAccuracy,
			Metrics:     evalMetrics,
			Workers:     workers,
			Timeout:     timeout,
		})
		if err != nil {
			return err
		}

		out := api.TrainingResponse{
			RunID:      res.RunID,
			Scores:     make(map[string]float64, len(res.Scores)),
			GateMetric: gateMetric.String(),
			ModelURI:  res.Model.URI,
			ModelHash: res.Model.Hash,
			Deployed:  res.Deployed,
		}
		for kind, v := range res.Scores {
			out.Scores[kind.String()] = v
		}
		if res.Service != nil {
			rec := res.Service.Record()
			out.ServiceID = rec.ID.String()
			out.Endpoint = rec.Endpoint.URL
		}

		if asJSON {
			return printJSON(cmd, out)
		}

		cmd.Printf("%sTraining run %s%s\n", colorBold, out.RunID, colorReset)
		cmd.Println("──────────────────────────────")
		for _, kind := range model.AllMetrics {
			v, ok := out.Scores[kind.String()]
			if !ok {
				continue
			}
			cmd.Printf("%s%-12s%s %.6f\n", colorDim, kind.String()+":", colorReset, v)
		}
		cmd.Printf("%sModel:%s       %s\n", colorDim, colorReset, out.ModelURI)
		if out.Deployed {
			cmd.Printf("%sDeployed:%s    %s✓ yes%s\n", colorDim, colorReset, colorGreen, colorReset)
			cmd.Printf("%sService:%s     %s\n", colorDim, colorReset, out.ServiceID)
			cmd.Printf("%sEndpoint:%s    %s%s%s\n", colorDim, colorReset, colorCyan, out.Endpoint, colorReset)
		} else {
			cmp := "<="
			if gateMetric.LowerIsBetter() {
				cmp = ">="
			}
			cmd.Printf("%sDeployed:%s    no (%s %.4f %s %.4f)\n", colorDim, colorReset, out.GateMetric, out.Scores[out.GateMetric], cmp, minAccuracy)
		}
		return nil
	},
}

func init() {
	trainCmd.Flags().String("data", "", "Path to the training CSV")
	trainCmd.Flags().String("gate-metric", "r2", "Metric the deployment gate reads: r2, rmse or mse (default from config)")
	trainCmd.Flags().Float64("min-accuracy", 0, "Gate threshold: minimum R2, or maximum RMSE/MSE (default from config)")
	trainCmd.Flags().Int("workers", 1, "Concurrent predictions per service (default from config)")
	trainCmd.Flags().Duration("timeout", 60*time.Second, "Time budget for starting the service (default from config)")
	trainCmd.Flags().Bool("json", false, "Print the result as JSON")
	trainCmd.MarkFlagRequired("data")

	rootCmd.AddCommand(trainCmd)
}
