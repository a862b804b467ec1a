package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse/internal/adapters/gitsource"
	"github.com/melih/lighthouse/internal/adapters/http"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/logger"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	configFile string
	demo       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "lighthouse",
		Short:        "Keeps container fleets upgraded according to declarative intents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML or TOML)")
	root.PersistentFlags().BoolVar(&opts.demo, "fake", false, "use in-memory demo endpoints and registry")

	root.AddCommand(newServeCmd(opts), newExecuteCmd(opts), newIntentsCmd(opts))
	return root
}

// bootstrap loads configuration, the logger and every component.
func bootstrap(ctx context.Context, opts *options) (*app, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log, opts.demo)
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and the drift scanner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if a.source != nil {
		if report, err := a.service.Apply(ctx, a.source); err != nil {
			a.logger.Warnw("Intent source sync failed", "error", err)
		} else {
			a.logger.Infow("Intent source synced", "created", report.Created, "updated", report.Updated)
		}
	}

	web := http.NewApp(http.NewIntentHandler(a.service), a.metrics.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.scanner.Run(gctx) })
	g.Go(func() error {
		a.logger.Infow("Server starting", "addr", a.cfg.HTTP.Addr)
		if err := web.Listen(a.cfg.HTTP.Addr); err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Infow("Shutting down")
		// Running executions stop before their next container; their rows end failed.
		for _, id := range a.orchestrator.Running() {
			_ = a.orchestrator.Cancel(id)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return web.ShutdownWithContext(shutdownCtx)
	})
	err := g.Wait()

	a.scheduler.Wait()
	finalizeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.orchestrator.Recorder().Finalize(finalizeCtx, errors.Wrap(domain.ErrCancelled, "shutdown"))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newExecuteCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "execute <intent id or name>",
		Short: "Run one intent now and print the execution detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.resolveIntent(ctx, args[0])
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				for _, running := range a.orchestrator.Running() {
					_ = a.orchestrator.Cancel(running)
				}
			}()
			exec, err := a.service.ExecuteIntent(context.WithoutCancel(ctx), id, dryRun)
			if err != nil {
				return err
			}
			detail, err := a.service.GetExecutionDetail(context.Background(), exec.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd, detail)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record what would be upgraded without changing anything")
	return cmd
}

func (a *app) resolveIntent(ctx context.Context, ref string) (string, error) {
	if intent, err := a.store.GetIntent(ctx, ref); err == nil {
		return intent.ID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	intent, err := a.store.GetIntentByName(ctx, ref)
	if err != nil {
		return "", errors.Wrapf(err, "intent %q", ref)
	}
	return intent.ID, nil
}

func newIntentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "Manage declarative intents",
	}

	var source, path, ref string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Upsert intents from a git repository or directory by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			src := a.source
			if source != "" {
				src = gitsource.New(source, path, ref, a.logger.Named("gitsource"))
			}
			if src == nil {
				return errors.WithHint(errors.New("no intent source"), "pass --source or set intents.source")
			}
			report, err := a.service.Apply(cmd.Context(), src)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	apply.Flags().StringVar(&source, "source", "", "git URL or directory holding the intents file")
	apply.Flags().StringVar(&path, "path", gitsource.DefaultPath, "intents file relative to the source root")
	apply.Flags().StringVar(&ref, "ref", "", "branch to clone")

	cmd.AddCommand(apply)
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
