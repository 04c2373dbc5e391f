package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vasiliy-maslov/autoverify/internal/auth"
	"github.com/vasiliy-maslov/autoverify/internal/db"
	"github.com/vasiliy-maslov/autoverify/internal/order"
	"github.com/vasiliy-maslov/autoverify/internal/redemption"
	"github.com/vasiliy-maslov/autoverify/internal/upstream"
)

func monitorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Fetch paid orders once and auto-fulfil the eligible ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.orders.Monitor(ctx)
				if err != nil {
					return err
				}
				printMonitorReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func verifyCmd(opts *rootOptions) *cobra.Command {
	var (
		auto      bool
		batchFile string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "verify [order_sn code]",
		Short: "Redeem one order, a batch file, or every shipped order (--auto)",
		Args: func(cmd *cobra.Command, args []string) error {
			if auto || batchFile != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				switch {
				case auto:
					report, err := a.redemption.AutoVerifyUnverified(ctx)
					if err != nil {
						return err
					}
					printAutoReport(out, report)
				case batchFile != "":
					entries, err := readBatchFile(batchFile)
					if err != nil {
						return err
					}
					res := a.redemption.BatchVerify(ctx, entries)
					if asJSON {
						return printJSON(out, res)
					}
					return printBatchResult(out, res)
				default:
					res, err := a.redemption.Verify(ctx, args[0], args[1], order.MethodManual)
					if asJSON {
						if printErr := printJSON(out, res); printErr != nil {
							return printErr
						}
					} else {
						printResult(out, res)
					}
					if err != nil {
						return err
					}
					if !res.Success {
						return fmt.Errorf("verification failed: %s", res.Kind)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Verify every shipped, unverified order")
	cmd.Flags().StringVar(&batchFile, "batch", "", "JSON file with [{\"order_sn\":...,\"verification_code\":...}]")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.MarkFlagsMutuallyExclusive("auto", "batch")
	return cmd
}

func onceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one monitoring pass and one auto-verification pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.scheduler().RunOnce(ctx)
			})
		},
	}
}

func processCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <order_sn>",
		Short: "Ingest and auto-fulfil a single order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				shipped, err := a.orders.ProcessBySN(ctx, args[0])
				if err != nil {
					return err
				}
				if shipped {
					fmt.Fprintf(cmd.OutOrStdout(), "order %s shipped\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "order %s skipped\n", args[0])
				}
				return nil
			})
		},
	}
}

func ordersCmd(opts *rootOptions) *cobra.Command {
	var (
		status   string
		page     int
		pageSize int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List stored orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := order.ListFilter{Page: page, PageSize: pageSize}
			if status != "" {
				st, err := order.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &st
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.orders.ListOrders(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), result)
				}
				return printOrders(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status name or code")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVarP(&pageSize, "limit", "n", 20, "Page size")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func recordsCmd(opts *rootOptions) *cobra.Command {
	var (
		orderSN    string
		since      time.Duration
		page       int
		pageSize   int
		fromRemote bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List verification records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				var from *time.Time
				if since > 0 {
					t := time.Now().Add(-since)
					from = &t
				}

				if fromRemote {
					q := upstream.RecordQuery{OrderSN: orderSN, Page: page, PageSize: pageSize, End: time.Now()}
					if from != nil {
						q.Start = *from
					}
					rp, err := a.redemption.UpstreamRecords(ctx, q)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(out, rp)
					}
					return printUpstreamRecords(out, rp)
				}

				result, err := a.redemption.ListRecords(ctx, order.RecordFilter{
					OrderSN:  orderSN,
					From:     from,
					Page:     page,
					PageSize: pageSize,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, result)
				}
				return printRecords(out, result)
			})
		},
	}
	cmd.Flags().StringVar(&orderSN, "order", "", "Filter by order number")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVarP(&pageSize, "limit", "n", 20, "Page size")
	cmd.Flags().BoolVar(&fromRemote, "upstream", false, "Query the platform's redemption log instead of the local store")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func statsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show order and verification counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.orders.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				return printStats(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			d, err := db.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if d == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "in-memory store needs no migrations")
				return nil
			}
			defer d.Close()
			if err := db.Migrate(d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", d.Driver)
			return nil
		},
	}
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token for the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			op := auth.NewOperator(cfg.Auth)
			if subject == "" {
				subject = cfg.Auth.OperatorUsername
			}
			token, expires, err := op.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (defaults to OPERATOR_USERNAME)")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for OPERATOR_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readBatchFile(path string) ([]redemption.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var entries []redemption.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	if len(entries) == 0 {
		return nil, errors.New("batch file has no entries")
	}
	return entries, nil
}
