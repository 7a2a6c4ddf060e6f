package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"modelplane/internal/serving"
	"modelplane/internal/store"
	"modelplane/pkg/api"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Manage deployed prediction services",
	Long:  `Inspect the service registry and stop deployed prediction services.`,
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List service records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		key := store.ServiceKey{
			PipelineName: a.cfg.PipelineName,
			StepName:     a.cfg.StepName,
			ModelName:    a.cfg.ModelName,
		}
		if v, _ := cmd.Flags().GetString("pipeline"); v != "" {
			key.PipelineName = v
		}
		if v, _ := cmd.Flags().GetString("step"); v != "" {
			key.StepName = v
		}
		if v, _ := cmd.Flags().GetString("model"); v != "" {
			key.ModelName = v
		}
		runningFlag, _ := cmd.Flags().GetString("running")
		running, err := store.ParseRunningFilter(runningFlag)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		records, err := a.registry.Find(ctx, store.Query{ServiceKey: key, Running: running})
		if err != nil {
			return err
		}

		if asJSON {
			out := make([]api.ServiceResponse, 0, len(records))
			for _, rec := range records {
				out = append(out, toServiceResponse(rec))
			}
			return printJSON(cmd, out)
		}

		if len(records) == 0 {
			cmd.Printf("No services found for %s.\n", key)
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SERVICE ID\tSTATE\tENDPOINT\tMODEL HASH\tCREATED\tERROR")
		for _, rec := range records {
			errMsg := rec.ErrorMessage
			// Truncate long error messages for the table view
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\t%s\n",
				rec.ID, rec.State, rec.Endpoint.URL, rec.ModelHash, relativeTime(rec.CreatedAt), errMsg)
		}
		return w.Flush()
	},
}

var servicesStopCmd = &cobra.Command{
	Use:   "stop [service_id]",
	Short: "Stop a service",
	Long:  `Stop the prediction server behind a service record and mark it STOPPED. Stopping a stopped service is a no-op.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid service id %q: %w", args[0], err)
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.registry.Get(ctx, id)
		if err != nil {
			return err
		}
		deployer, err := a.Deployer(ctx)
		if err != nil {
			return err
		}
		svc := deployer.Service(*rec)
		if err := svc.Stop(ctx); err != nil {
			return err
		}

		cmd.Printf("%s Service %s\n", colorizeStatus(string(svc.State())), id)
		return nil
	},
}

var servicesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stop services whose prediction server stopped answering",
	Long: `Probe the RUNNING services of the configured key until interrupted. A service
failing --failures consecutive health checks is marked STOPPED, so the next
inference run starts it again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		key := store.ServiceKey{
			PipelineName: a.cfg.PipelineName,
			StepName:     a.cfg.StepName,
			ModelName:    a.cfg.ModelName,
		}
		interval, _ := cmd.Flags().GetDuration("interval")
		maxInterval, _ := cmd.Flags().GetDuration("max-interval")
		failures, _ := cmd.Flags().GetInt("failures")
		once, _ := cmd.Flags().GetBool("once")

		deployer, err := a.Deployer(ctx)
		if err != nil {
			return err
		}
		m := serving.NewMonitor(deployer, key, serving.MonitorConfig{
			PollInterval:     interval,
			MaxBackoff:       maxInterval,
			FailureThreshold: failures,
		})

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" && a.metrics != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server failed", "addr", addr, "error", err)
				}
			}()
			defer srv.Close()
		}

		if once {
			unhealthy, err := m.Check(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("%d unhealthy services for %s\n", unhealthy, key)
			return nil
		}

		if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	servicesWatchCmd.Flags().Duration("interval", 5*time.Second, "Probe interval after a failure")
	servicesWatchCmd.Flags().Duration("max-interval", time.Minute, "Probe interval ceiling while healthy")
	servicesWatchCmd.Flags().Int("failures", 3, "Consecutive failed probes before a service is stopped")
	servicesWatchCmd.Flags().Bool("once", false, "Probe once and exit")
	servicesWatchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while watching, e.g. :9102")

	servicesListCmd.Flags().String("pipeline", "", "Pipeline name (default from config)")
	servicesListCmd.Flags().String("step", "", "Step name (default from config)")
	servicesListCmd.Flags().String("model", "", "Model name (default from config)")
	servicesListCmd.Flags().String("running", "any", "Filter by running state: any, running, not-running")
	servicesListCmd.Flags().Bool("json", false, "Print the records as JSON")

	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesStopCmd)
	servicesCmd.AddCommand(servicesWatchCmd)
	rootCmd.AddCommand(servicesCmd)
}
