package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/carpool/internal/app"
	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
)

// opener builds the service graph for one command run.
type opener func(ctx context.Context, migrate bool) (*app.App, error)

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "carpoolctl",
		Short:         "Carpool maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(migrateCmd(open), seedPlansCmd(open), sweepCmd(open), grantCmd(open))
	return root
}

// withApp opens the graph, runs fn and releases every backend.
func withApp(cmd *cobra.Command, open opener, migrate bool, fn func(a *app.App) error) error {
	a, err := open(cmd.Context(), migrate)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func migrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, true, func(a *app.App) error {
				if a.Config.PGDSN == "" {
					return fmt.Errorf("PG_DSN is required to migrate")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func seedPlansCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-plans",
		Short: "Insert the default subscription plans that are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, false, func(a *app.App) error {
				n, err := a.Subscriptions.SeedPlans(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d plans\n", n)
				return nil
			})
		},
	}
}

func sweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep {trips|payments|subscriptions|all}",
		Short: "Run the periodic sweeps once",
		Long: `Run one pass of the expiration sweeps outside the server's schedule.

Examples:
  carpoolctl sweep trips
  carpoolctl sweep all`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"trips", "payments", "subscriptions", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			switch target {
			case "trips", "payments", "subscriptions", "all":
			default:
				return fmt.Errorf("unknown sweep %q", target)
			}
			return withApp(cmd, open, false, func(a *app.App) error {
				ctx, out := cmd.Context(), cmd.OutOrStdout()
				if target == "trips" || target == "all" {
					n, err := a.Scheduler.SweepTrips(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "trips cancelled: %d\n", n)
				}
				if target == "payments" || target == "all" {
					n, err := a.Payments.ExpirePending(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "payments expired: %d\n", n)
				}
				if target == "subscriptions" || target == "all" {
					n, err := a.Subscriptions.DeactivateExpired(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "subscriptions expired: %d\n", n)
				}
				return nil
			})
		},
	}
}

func grantCmd(open opener) *cobra.Command {
	var userID, plan string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Give a user a subscription without payment",
		Long: `Activate a plan for a user, skipping the student verification check.

Examples:
  carpoolctl grant --user 42 --plan gold`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, false, func(a *app.App) error {
				ctx := cmd.Context()
				p, err := a.Subscriptions.PlanByName(ctx, plan)
				if apperr.Is(err, apperr.KindNotFound) {
					p, err = a.Subscriptions.GetPlan(ctx, plan)
				}
				if err != nil {
					return err
				}
				sub, err := a.Subscriptions.Grant(ctx, userID, p.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s until %s (%s)\n",
					sub.PlanName, sub.UserID, sub.EndDate.Format("2006-01-02"), limitText(sub))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&plan, "plan", "", "plan name or id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func limitText(s models.Subscription) string {
	if s.TripLimit == nil {
		return "unlimited trips"
	}
	return fmt.Sprintf("%d trips", *s.TripLimit)
}
