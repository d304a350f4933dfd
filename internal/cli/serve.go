package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/chambrid/storylink/internal/api"
)

// widgetSweepInterval is how often idle widgets are looked for
const widgetSweepInterval = time.Minute

// serveCmd runs the host bridge
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host bridge HTTP server",
	Long: `Run the HTTP server the helpdesk host talks to.

Each ticket gets its own widget instance, mounted on its first request and
unmounted after WIDGET_IDLE_TIMEOUT without requests. Prometheus metrics are
served on /metrics.`,
	Example: `  # Serve on the configured SERVER_HOST and SERVER_PORT
  storylink serve

  # Serve on another port, allowing one origin
  storylink serve --port 9090 --allowed-origins https://help.example.com`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from SERVER_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind (default from SERVER_HOST)")
	serveCmd.Flags().Bool("cors", true, "Enable CORS")
	serveCmd.Flags().StringSlice("allowed-origins", []string{"*"}, "Allowed CORS origins")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "Graceful shutdown timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		cfg := api.DefaultConfig()
		cfg.Host, cfg.Port = a.cfg.ServerHost, a.cfg.ServerPort
		if cmd.Flags().Changed("host") {
			cfg.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		cfg.EnableCORS, _ = cmd.Flags().GetBool("cors")
		cfg.AllowedOrigins, _ = cmd.Flags().GetStringSlice("allowed-origins")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

		server := api.NewServer(cfg, api.BuildInfo(buildInfo), api.Deps{
			Registry:   a.registry,
			Manager:    a.manager,
			Selections: a.selections,
			Client:     a.client,
			Resolver:   a.resolver,
			Actions:    a.ui,
			Recorder:   a.recorder,
			PageSize:   a.cfg.SearchPageSize,
			Checks: map[string]api.HealthCheck{
				"tracker": func(ctx context.Context) error {
					_, err := a.resolver.Get(ctx)
					return err
				},
				"cache": func(ctx context.Context) error {
					_, err := a.cache.Epoch(ctx)
					return err
				},
				"host_store": a.hosts.Ping,
			},
		}, a.log)

		go a.registry.Sweep(ctx, widgetSweepInterval)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		stopErr := server.Stop(shutdownCtx)
		if err := <-errCh; err != nil {
			stopErr = errors.Join(stopErr, err)
		}
		return stopErr
	})
}
