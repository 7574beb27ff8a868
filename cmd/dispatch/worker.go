package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/worker"
)

func newWorkerCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Lease and execute jobs from a dispatch server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("pool") {
				cfg.Worker.Pool, _ = fl.GetString("pool")
			}
			if fl.Changed("capacity") {
				cfg.Worker.Capacity, _ = fl.GetInt("capacity")
			}
			if fl.Changed("label") {
				labels, _ := fl.GetStringToString("label")
				if cfg.Worker.Labels == nil {
					cfg.Worker.Labels = make(map[string]string, len(labels))
				}
				for k, v := range labels {
					cfg.Worker.Labels[k] = v
				}
			}

			logger := newLogger(cfg)
			renderer, err := expressions.NewRenderer()
			if err != nil {
				return fmt.Errorf("create renderer: %w", err)
			}
			w := worker.New(newClient(cfg), actions.Builtin(cfg.actionsConfig()), renderer, cfg.workerConfig(), logger)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			logger.Info("worker connecting", "server", cfg.Server.BaseURL, "pool", cfg.Worker.Pool, "version", version)
			return w.Run(ctx)
		},
	}
	cmd.Flags().String("pool", "", "worker pool name")
	cmd.Flags().Int("capacity", 0, "concurrent jobs")
	cmd.Flags().StringToString("label", nil, "pool labels (key=value)")
	return cmd
}
