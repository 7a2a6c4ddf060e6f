package cmd

import (
	"modelplane/internal/inference"
	"modelplane/internal/pipeline"
	"modelplane/pkg/api"

	"github.com/spf13/cobra"
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Score input on a deployed service",
	Long: `Run the inference pipeline: load the input, find the service deployed by
--pipeline/--step for --model, start it if needed and print one prediction per row.

--input is either a JSON payload {"columns": [...], "index": [...], "data": [[...]]}
or a CSV with the training schema, from which 100 rows are sampled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		pipelineName := a.cfg.PipelineName
		if v, _ := cmd.Flags().GetString("pipeline"); v != "" {
			pipelineName = v
		}
		stepName := a.cfg.StepName
		if v, _ := cmd.Flags().GetString("step"); v != "" {
			stepName = v
		}
		modelName := a.cfg.ModelName
		if v, _ := cmd.Flags().GetString("model"); v != "" {
			modelName = v
		}
		input, _ := cmd.Flags().GetString("input")
		asJSON, _ := cmd.Flags().GetBool("json")

		deployer, err := a.Deployer(ctx)
		if err != nil {
			return err
		}

		o := &pipeline.Orchestrator{
			Requester: inference.NewRequester(a.registry, deployer, inference.NewImporter(input),
				modelName, a.cfg.InferenceStartTimeout, a.logger),
			Logger: a.logger,
		}

		result, err := o.RunInference(ctx, pipelineName, stepName)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(cmd, api.PredictResponse{Predictions: result})
		}
		for _, p := range result {
			cmd.Println(p)
		}
		return nil
	},
}

func init() {
	inferCmd.Flags().String("pipeline", "", "Pipeline that deployed the service (default from config)")
	inferCmd.Flags().String("step", "", "Deployer step name (default from config)")
	inferCmd.Flags().String("model", "", "Model name (default from config)")
	inferCmd.Flags().String("input", "", "JSON payload or CSV to sample")
	inferCmd.Flags().Bool("json", false, "Print the predictions as JSON")
	inferCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(inferCmd)
}
