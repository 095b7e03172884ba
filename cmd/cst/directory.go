package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"custodia/internal/app"
	"custodia/internal/domain"
	"custodia/internal/engine"
	"custodia/internal/repo"
	"custodia/internal/server"
)

func leaseCmd() *cobra.Command {
	lease := &cobra.Command{Use: "lease", Short: "Claim a service for editing"}
	var ttl time.Duration
	claim := &cobra.Command{
		Use:   "claim <service-id>",
		Short: "Claim or renew the lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ClaimLease(ctx, args[0], actorID(), ttl)
				if err != nil {
					return err
				}
				return printJSONOr(l, func() {
					fmt.Printf("%s leased by %s until %s\n", l.ServiceID, l.OwnerID, formatWhen(l.ExpiresAt, e.Config.Location()))
				})
			})
		},
	}
	claim.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (config default when zero)")
	lease.AddCommand(claim)
	lease.AddCommand(&cobra.Command{
		Use:   "release <service-id>",
		Short: "Release the lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ReleaseLease(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("released", args[0])
				return nil
			})
		},
	})
	lease.AddCommand(&cobra.Command{
		Use:   "show <service-id>",
		Short: "Show the active lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetLease(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("no active lease")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	})
	return lease
}

func personnelCmd() *cobra.Command {
	p := &cobra.Command{Use: "personnel", Short: "Manage the custodian and armed-guard directory"}
	p.AddCommand(personnelAddCmd())
	p.AddCommand(personnelListCmd())
	p.AddCommand(personnelShowCmd())
	p.AddCommand(personnelImportCmd())
	return p
}

func personnelAddCmd() *cobra.Command {
	var rec personnelRecord
	var lat, lon string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a directory record",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if rec.Lat, err = parseCoordinate("lat", lat); err != nil {
				return err
			}
			if rec.Lon, err = parseCoordinate("lon", lon); err != nil {
				return err
			}
			active := !inactive
			rec.Active = &active
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				person, err := e.UpsertPersonnel(ctx, rec.options(actorID()))
				if err != nil {
					return err
				}
				return printJSONOr(person, func() {
					fmt.Printf("%s %s (%s)\n", person.ID, person.Name, person.Role)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rec.ID, "id", "", "existing personnel id to update")
	f.StringVar(&rec.Role, "role", string(domain.RoleCustodian), "custodian or armed_guard")
	f.StringVar(&rec.Name, "name", "", "full name")
	f.StringVar(&rec.Phone, "phone", "", "phone")
	f.StringVar(&rec.Zone, "zone", "", "home zone")
	f.StringVar(&lat, "lat", "", "home latitude")
	f.StringVar(&lon, "lon", "", "home longitude")
	f.StringSliceVar(&rec.ServiceTypes, "service-type", nil, "service types handled (repeatable)")
	f.IntVar(&rec.ExperienceYears, "experience", 0, "years of experience")
	f.Float64Var(&rec.Rating, "rating", 0, "rating from 0 to 5")
	f.BoolVar(&inactive, "inactive", false, "mark as inactive")
	return cmd
}

func personnelListCmd() *cobra.Command {
	var role string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPersonnel(ctx, domain.Role(role), !all)
				if err != nil {
					return err
				}
				return printJSONOr(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Id", "Role", "Name", "Zone", "Rating", "Active"})
					for _, p := range items {
						tw.AppendRow(table.Row{p.ID, p.Role, p.Name, p.Zone, p.Rating, p.Active})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive records")
	return cmd
}

func personnelShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <personnel-id>",
		Short: "Show one directory record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPersonnel(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

// personnelRecord is one entry of a directory import file.
type personnelRecord struct {
	ID                string   `yaml:"id"`
	Role              string   `yaml:"role"`
	Name              string   `yaml:"name"`
	Phone             string   `yaml:"phone"`
	Zone              string   `yaml:"zone"`
	Lat               *float64 `yaml:"lat"`
	Lon               *float64 `yaml:"lon"`
	ServiceTypes      []string `yaml:"service_types"`
	ExperienceYears   int      `yaml:"experience_years"`
	ServiceCount      int      `yaml:"service_count"`
	AcceptanceRate    float64  `yaml:"acceptance_rate"`
	ResponseRate      float64  `yaml:"response_rate"`
	Rating            float64  `yaml:"rating"`
	ProductivityScore float64  `yaml:"productivity_score"`
	Active            *bool    `yaml:"active"`
}

func (r personnelRecord) options(actor string) engine.PersonnelOptions {
	active := r.Active == nil || *r.Active
	return engine.PersonnelOptions{
		ID:                r.ID,
		Role:              r.Role,
		Name:              r.Name,
		Phone:             r.Phone,
		Zone:              r.Zone,
		Lat:               r.Lat,
		Lon:               r.Lon,
		ServiceTypes:      r.ServiceTypes,
		ExperienceYears:   r.ExperienceYears,
		ServiceCount:      r.ServiceCount,
		AcceptanceRate:    r.AcceptanceRate,
		ResponseRate:      r.ResponseRate,
		Rating:            r.Rating,
		ProductivityScore: r.ProductivityScore,
		Active:            active,
		ActorID:           actor,
	}
}

// parsePersonnelFile reads a YAML (or JSON) list of directory records.
func parsePersonnelFile(data []byte) ([]personnelRecord, error) {
	var doc struct {
		Personnel []personnelRecord `yaml:"personnel"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Personnel) > 0 {
		return doc.Personnel, nil
	}
	var list []personnelRecord
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("personnel file: %w", err)
	}
	return list, nil
}

func personnelImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Upsert directory records from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			records, err := parsePersonnelFile(data)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var imported []domain.Personnel
				for i, rec := range records {
					p, err := e.UpsertPersonnel(ctx, rec.options(actorID()))
					if err != nil {
						return fmt.Errorf("record %d (%s): %w", i+1, rec.Name, err)
					}
					imported = append(imported, p)
				}
				return printJSONOr(imported, func() {
					fmt.Printf("imported %d personnel records\n", len(imported))
				})
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the event outbox"}
	var n int
	var evtType, serviceID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, 0, evtType, serviceID)
				if err != nil {
					return err
				}
				return printJSONOr(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Id", "At", "Type", "Service", "Actor"})
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityID, ev.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&serviceID, "service-id", "", "service filter")
	ev.AddCommand(tail)
	return ev
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := "cst_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        domain.NewID(),
					ActorID:   actorID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo().InsertAPIKey(ctx, key); err != nil {
					return err
				}
				key.KeyHash = ""
				out := struct {
					domain.APIKey
					Key string `json:"key"`
				}{key, secret}
				return printJSONOr(out, func() {
					fmt.Printf("api key %s for %s\n%s\n(store it now; only its hash is kept)\n", key.ID, key.ActorID, secret)
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo().ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOr(items, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"Id", "Name", "Created"})
					for _, k := range items {
						tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo().DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), roles, ttl)
			if err != nil {
				return fmt.Errorf("%w (set CUSTODIA_JWT_SECRET)", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				LogLevel:   viper.GetString("log-level"),
				LogFormat:  viper.GetString("log-format"),
				AuditQueue: 256,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
				DevLogin:         devLogin,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				a.Logger.Warn("CUSTODIA_JWT_SECRET is not set; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
			if err != nil {
				return err
			}
			if d := a.Notifier(); d != nil {
				go d.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving custodia api", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Custodia API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}
