package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"plan-engine/internal/domain"
	"plan-engine/internal/supervisor"
	"plan-engine/internal/verification"
)

// withApp builds the app for one command run and tears it down afterwards.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, cleanup, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var noMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue worker, reconciliation monitor and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				exitOnSecondSignal(ctx, a.logger)
				if !noMigrate {
					if err := a.migrate(ctx); err != nil {
						return err
					}
				}

				tree := supervisor.NewTree(a.logger.Named("supervisor"), supervisor.DefaultTreeConfig())
				tree.AddWorker(a.worker)
				tree.AddWorker(a.monitor)
				if a.cfg.Metrics.Addr != "" {
					srv := newHTTPServer(a.cfg.Metrics.Addr, supervisor.NewHandler(a.registry, a.healthCheck))
					tree.AddAPIService(supervisor.NewHTTPServerService(srv, 10*time.Second))
				}

				a.logger.Info("plan engine started",
					zap.String("version", Version),
					zap.Bool("memory_store", a.cfg.Database.UseMemory),
					zap.String("metrics_addr", a.cfg.Metrics.Addr),
				)
				err := tree.Serve(ctx)
				if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
					a.logger.Warn("services did not stop in time", zap.Int("count", len(report)))
				}
				if err != nil && ctx.Err() == nil {
					return err
				}
				a.logger.Info("shutdown complete")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "Skip applying migrations on startup")
	return cmd
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.migrate(ctx)
			})
		},
	}
}

func bootstrapCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap <account-id>",
		Short: "Create the network root node for an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.orch.Bootstrap(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func accountCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage master-wallet accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create [account-id]",
		Short: "Create an account (a uuid is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				acc, err := a.orch.CreateAccount(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acc)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deposit <account-id> <amount>",
		Short: "Credit an account's master wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("parse amount %q: %w", args[1], err)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				acc, err := a.orch.Deposit(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acc)
			})
		},
	})

	return cmd
}

func purchaseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <account-id> <sponsor-code>",
		Short: "Purchase a node under the sponsor's referral code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.orch.PurchaseNode(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <node-id>",
		Short: "Show a node's status, wallet, team sizes and level progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				stats, err := a.orch.GetNodeStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func routeCmd(flags *globalFlags) *cobra.Command {
	var tree string
	cmd := &cobra.Command{
		Use:   "route <node-id> <amount> <level>",
		Short: "Route an income event to a node (administrative)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("parse amount %q: %w", args[1], err)
			}
			level, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("parse level %q: %w", args[2], err)
			}
			kind := domain.TreeKind(tree)
			if !kind.IsValid() {
				return fmt.Errorf("unknown tree %q (SPONSOR or GLOBAL)", tree)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.orch.RouteIncome(ctx, args[0], amount, level, kind)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&tree, "tree", domain.TreeSponsor.String(), "Tree to route in (SPONSOR or GLOBAL)")
	return cmd
}

func sweepCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one orphan reconciliation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.monitor.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func drainCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run every runnable queued job once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.worker.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d jobs\n", n)
				return nil
			})
		},
	}
}

func verifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit stored network state against the plan rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				report, err := verification.NewAuditor(a.store, &a.cfg.Plan, a.logger.Named("verification")).Audit(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d violations found", len(report.Violations))
				}
				return nil
			})
		},
	}
}

// exitOnSecondSignal forces exit when another interrupt arrives, or shutdown
// takes longer than 30s, after ctx is canceled.
func exitOnSecondSignal(ctx context.Context, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Warn("second signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()
}
