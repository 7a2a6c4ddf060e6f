package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mpctl",
	Short: "mpctl trains, deploys and queries models on the modelplane platform",
	Long: `mpctl is the command-line interface for modelplane.

modelplane trains a regression model on tabular data, evaluates it and, when it
clears the accuracy gate, deploys it behind a long-lived prediction service.
Deployed services are tracked in a registry keyed by pipeline, step and model name.

Common workflows:

  Train and conditionally deploy a model:
    mpctl train --data ./data/olist_customers_dataset.csv --min-accuracy 0

  Score fresh input on the deployed service:
    mpctl infer --pipeline continuous_deployment_pipeline --step model_deployer_step --input batch.json

  Inspect and stop services:
    mpctl services list --running running
    mpctl services stop <service-id>

Configuration:
  Settings come from modelplane.yaml (or --config), the environment and flags.
  Flags and MODELPLANE_* variables override the file:
    MODELPLANE_REGISTRY_DRIVER   sqlite3, postgres or memory (default: sqlite3)
    MODELPLANE_DATABASE_URL      registry DSN or sqlite file
    MODELPLANE_RUNTIME           exec, docker or kubernetes (default: exec)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	// Read environment variables that match "MODELPLANE_VARNAME"
	viper.SetEnvPrefix("MODELPLANE")
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("MODELPLANE_CONFIG"), "config file (default is ./modelplane.yaml)")

	rootCmd.PersistentFlags().String("registry-driver", "", "Service registry backend (sqlite3, postgres, memory)")
	viper.BindPFlag("registry_driver", rootCmd.PersistentFlags().Lookup("registry-driver"))

	rootCmd.PersistentFlags().String("database-url", "", "Service registry DSN")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.PersistentFlags().String("runtime", "", "Serving runtime (exec, docker, kubernetes)")
	viper.BindPFlag("runtime", rootCmd.PersistentFlags().Lookup("runtime"))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().Bool("trace", false, "Export traces to the configured OTLP endpoint")
	viper.BindPFlag("trace", rootCmd.PersistentFlags().Lookup("trace"))
}
