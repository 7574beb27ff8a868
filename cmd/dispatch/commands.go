package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/dispatch/internal/client"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <playbook-path>",
		Short: "Start an execution of a registered playbook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			req := orchestrator.RunRequest{}
			if len(args) == 1 {
				req.Path = args[0]
			}
			req.Version, _ = fl.GetString("version")
			req.CatalogID, _ = fl.GetString("catalog-id")
			if req.Path == "" && req.CatalogID == "" {
				return fmt.Errorf("a playbook path or --catalog-id is required")
			}
			inline, _ := fl.GetString("workload")
			file, _ := fl.GetString("workload-file")
			if req.Workload, err = readWorkload(inline, file); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			c := newClient(cfg)
			resp, err := c.Run(ctx, req)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started execution %s (catalog %s)\n", resp.ExecutionID, resp.CatalogID)

			if wait, _ := fl.GetBool("wait"); !wait {
				return nil
			}
			summary, err := waitForExecution(ctx, c, resp.ExecutionID, 500*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Fprint(out, renderSummary(summary))
			if summary.Status == schema.StatusFailed {
				return fmt.Errorf("execution %s failed", summary.ExecutionID)
			}
			return nil
		},
	}
	cmd.Flags().String("version", "", "playbook version (default: latest)")
	cmd.Flags().String("catalog-id", "", "catalog entry id, instead of a path")
	cmd.Flags().StringP("workload", "w", "", "workload as a JSON or YAML object")
	cmd.Flags().StringP("workload-file", "f", "", "file holding the workload (JSON or YAML)")
	cmd.Flags().Bool("wait", false, "wait for the execution to finish and print its summary")
	return cmd
}

// readWorkload decodes the inline or file workload. YAML is a superset of
// JSON, so one decoder serves both.
func readWorkload(inline, file string) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "" && file != "":
		return nil, fmt.Errorf("--workload and --workload-file are mutually exclusive")
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read workload from stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read workload: %w", err)
		}
		raw = b
	default:
		return nil, nil
	}
	var workload map[string]any
	if err := yaml.Unmarshal(raw, &workload); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	return workload, nil
}

// waitForExecution polls the summary until the execution is terminal.
func waitForExecution(ctx context.Context, c *client.Client, executionID string, every time.Duration) (*orchestrator.Summary, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		summary, err := c.Execution(ctx, executionID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		if err == nil && summary.Status.IsTerminal() {
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			summary, err := newClient(cfg).Execution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSummary(summary))
			return nil
		},
	}
}

func newListCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			filter := orchestrator.ExecutionFilter{}
			filter.Limit, _ = fl.GetInt("limit")
			filter.ParentExecutionID, _ = fl.GetString("parent")
			if raw, _ := fl.GetString("status"); raw != "" {
				if filter.Status, err = schema.NormalizeStatus(raw); err != nil {
					return err
				}
			}
			list, err := newClient(cfg).Executions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderExecutions(list))
			return nil
		},
	}
	cmd.Flags().String("status", "", "only executions in this status")
	cmd.Flags().String("parent", "", "only children of this execution")
	cmd.Flags().IntP("limit", "n", 20, "maximum number of executions")
	return cmd
}

func newEventsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "List the events of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			types, _ := cmd.Flags().GetStringSlice("type")
			events, err := newClient(cfg).Events(cmd.Context(), args[0], types...)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEvents(events))
			return nil
		},
	}
	cmd.Flags().StringSlice("type", nil, "event types to keep")
	cmd.Flags().Bool("json", false, "print raw events as JSON")
	return cmd
}

func newCatalogCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage registered playbooks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "register <file>...",
		Short: "Register playbook files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			c := newClient(cfg)
			for _, path := range args {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				resp, err := c.RegisterPlaybook(cmd.Context(), content)
				if err != nil {
					return fmt.Errorf("register %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s@%s as %s\n", resp.Path, resp.Version, resp.CatalogID)
				if resp.Report != nil {
					for _, issue := range resp.Report.Issues {
						if issue.Warning {
							fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("  warning: "+issue.Path+": "+issue.Message))
						}
					}
				}
			}
			return nil
		},
	})

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("path")
			entries, err := newClient(cfg).Catalog(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderCatalog(entries))
			return nil
		},
	}
	list.Flags().String("path", "", "only versions of this playbook path")
	cmd.AddCommand(list)
	return cmd
}

func newQueueCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			filter := store.JobFilter{}
			filter.ExecutionID, _ = fl.GetString("execution")
			status, _ := fl.GetString("status")
			filter.Status = schema.JobStatus(status)
			filter.Limit, _ = fl.GetInt("limit")

			c := newClient(cfg)
			jobs, err := c.Jobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			size, err := c.QueueSize(cmd.Context(), schema.JobQueued)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("%d job(s) waiting", size)))
			return nil
		},
	}
	cmd.Flags().String("execution", "", "only jobs of this execution")
	cmd.Flags().String("status", "", "only jobs in this status (queued, leased, done, failed)")
	cmd.Flags().IntP("limit", "n", 50, "maximum number of jobs")
	return cmd
}
