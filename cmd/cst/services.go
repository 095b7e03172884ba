package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custodia/internal/app"
	"custodia/internal/config"
	"custodia/internal/db"
	"custodia/internal/domain"
	"custodia/internal/engine"
	"custodia/internal/migrate"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create custodia.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Printf("database %s at schema version %d\n", db.Path(workspace), v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default custodia.yml",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.GenerateDefault())
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println(path, "is valid")
			return nil
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				fmt.Println("schema version", v)
				return nil
			})
		},
	}
}

func serviceCmd() *cobra.Command {
	svc := &cobra.Command{Use: "service", Short: "Manage scheduled services"}
	svc.AddCommand(serviceCreateCmd())
	svc.AddCommand(serviceListCmd())
	svc.AddCommand(serviceShowCmd())
	svc.AddCommand(serviceUpdateCmd())
	svc.AddCommand(serviceCancelCmd())
	svc.AddCommand(serviceHistoryCmd())
	return svc
}

func serviceCreateCmd() *cobra.Command {
	var opts engine.CreateServiceOptions
	var at string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc := e.Config.Location()
				when, err := parseWhen("at", at, loc)
				if err != nil {
					return err
				}
				opts.AppointmentAt = when
				opts.ActorID = actorID()
				res, err := e.CreateService(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(res, loc)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Folio, "folio", "", "folio (generated when empty)")
	f.StringVar(&opts.ClientName, "client", "", "client name")
	f.StringVar(&opts.ClientContact, "contact", "", "client contact")
	f.StringVar(&opts.Origin, "origin", "", "pickup location")
	f.StringVar(&opts.Destination, "destination", "", "destination")
	f.StringVar(&at, "at", "", "appointment time")
	f.StringVar(&opts.ServiceType, "type", "", "service type")
	f.StringVar(&opts.Zone, "zone", "", "operating zone")
	f.IntVar(&opts.Priority, "priority", 0, "priority")
	f.BoolVar(&opts.RequiresArmedGuard, "armed-guard", false, "service requires an armed guard")
	f.StringVar(&opts.Observations, "observations", "", "free-form notes")
	f.StringVar(&opts.RequestID, "request-id", "", "idempotency key; a repeated create returns the stored service")
	return cmd
}

func serviceListCmd() *cobra.Command {
	var opts engine.ListServicesOptions
	var states string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range strings.Split(states, ",") {
				if s = strings.TrimSpace(s); s != "" {
					opts.States = append(opts.States, domain.PlannedState(s))
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListServices(ctx, opts)
				if err != nil {
					return err
				}
				loc := e.Config.Location()
				return printJSONOr(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Folio", "Appointment", "Client", "Route", "State", "Custodian", "Armed guard"})
					for _, s := range items {
						custodian, guard := "", ""
						if s.Custodian != nil {
							custodian = s.Custodian.Name
						}
						if s.ArmedGuard != nil {
							guard = s.ArmedGuard.Name
						} else if s.RequiresArmedGuard {
							guard = "(required)"
						}
						tw.AppendRow(table.Row{s.Folio, formatWhen(s.AppointmentAt, loc), s.ClientName, s.Origin + " -> " + s.Destination, s.State, custodian, guard})
					}
					tw.Render()
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&states, "state", "", "comma-separated planned states")
	f.StringVar(&opts.Day, "day", "", "local day (YYYY-MM-DD)")
	f.StringVar(&opts.PersonnelID, "personnel-id", "", "assigned personnel id")
	f.StringVar(&opts.PersonnelName, "personnel-name", "", "assigned personnel name")
	f.IntVar(&opts.Limit, "limit", 100, "maximum rows")
	return cmd
}

func serviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <service-id>",
		Short: "Show one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetService(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(engine.Result{Service: s, State: s.State, Changed: true}, e.Config.Location())
			})
		},
	}
}

func serviceUpdateCmd() *cobra.Command {
	var client, contact, origin, destination, at, serviceType, zone, observations, reason string
	var priority int
	var armed bool
	cmd := &cobra.Command{
		Use:   "update <service-id>",
		Short: "Change service details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc := e.Config.Location()
				opts := engine.UpdateServiceOptions{
					ServiceID:     args[0],
					ActorID:       actorID(),
					Reason:        reason,
					ClientName:    optionalString(cmd, "client", client),
					ClientContact: optionalString(cmd, "contact", contact),
					Origin:        optionalString(cmd, "origin", origin),
					Destination:   optionalString(cmd, "destination", destination),
					ServiceType:   optionalString(cmd, "type", serviceType),
					Zone:          optionalString(cmd, "zone", zone),
					Observations:  optionalString(cmd, "observations", observations),
				}
				if cmd.Flags().Changed("at") {
					when, err := parseWhen("at", at, loc)
					if err != nil {
						return err
					}
					opts.AppointmentAt = &when
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				if cmd.Flags().Changed("armed-guard") {
					opts.RequiresArmedGuard = &armed
				}
				res, err := e.UpdateServiceConfiguration(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(res, loc)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&client, "client", "", "client name")
	f.StringVar(&contact, "contact", "", "client contact")
	f.StringVar(&origin, "origin", "", "pickup location")
	f.StringVar(&destination, "destination", "", "destination")
	f.StringVar(&at, "at", "", "appointment time")
	f.StringVar(&serviceType, "type", "", "service type")
	f.StringVar(&zone, "zone", "", "operating zone")
	f.IntVar(&priority, "priority", 0, "priority")
	f.BoolVar(&armed, "armed-guard", false, "service requires an armed guard")
	f.StringVar(&observations, "observations", "", "free-form notes")
	f.StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func serviceCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <service-id>",
		Short: "Cancel a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CancelService(ctx, engine.CancelOptions{ServiceID: args[0], Reason: reason, ActorID: actorID()})
				if err != nil {
					return err
				}
				return printResult(res, e.Config.Location())
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func serviceHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <service-id>",
		Short: "Show the modification log of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				loc := e.Config.Location()
				return printJSONOr(entries, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"At", "Action", "Previous", "New", "Actor", "Reason"})
					for _, m := range entries {
						tw.AppendRow(table.Row{formatWhen(m.CreatedAt, loc), m.ActionType, m.PreviousValue, m.NewValue, m.ActorID, m.Reason})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}
