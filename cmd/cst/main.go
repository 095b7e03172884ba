package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custodia/internal/app"
	"custodia/internal/db"
	"custodia/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "cst",
	Short: "Custodia dispatch CLI",
	Long: `Custodia schedules escort services and assigns custodians and armed guards to them.
Core concepts:
- Workspace: the .custodia directory holding the SQLite database, next to custodia.yml.
- Service: one transport request with a folio, a client, a route and an appointment time.
- Slots: each service has a custodian slot and an optional armed-guard slot.
- Planned state: planificado -> pendiente_asignacion -> confirmado, with cancelado and rechazado as exits.
- Conflicts: nobody holds two commitments at the same time or within the conflict window.
- Rankings: candidates for a service sorted by availability, proximity and fairness.
- Leases: short "I'm editing this service" claims (cst lease claim/release).
- History: append-only modification log per service (cst service history).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CUSTODIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (json or console)")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(reassignCmd())
	rootCmd.AddCommand(slotCmd("remove", "Clear an assignment slot"))
	rootCmd.AddCommand(slotCmd("decline", "Record that the assigned person declined"))
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(personnelCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOr prints v as JSON under --json, otherwise runs render.
func printJSONOr(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

// parseWhen accepts RFC 3339 or a wall-clock "2006-01-02 15:04" in loc.
func parseWhen(field, value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("--%s required", field)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s %q: use RFC 3339 or \"YYYY-MM-DD HH:MM\"", field, value)
}

func formatWhen(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func printResult(res engine.Result, loc *time.Location) error {
	return printJSONOr(res, func() {
		s := res.Service
		status := "updated"
		if !res.Changed {
			status = "unchanged"
		}
		fmt.Printf("%s %s [%s] %s\n", s.Folio, s.ID, res.State, status)
		fmt.Printf("  %s  %s -> %s  %s\n", formatWhen(s.AppointmentAt, loc), s.Origin, s.Destination, s.ClientName)
		if s.Custodian != nil {
			fmt.Printf("  custodian:   %s\n", describeRef(s.Custodian.ID, s.Custodian.Name))
		}
		if s.ArmedGuard != nil {
			fmt.Printf("  armed guard: %s (%s)\n", describeRef(s.ArmedGuard.ID, s.ArmedGuard.Name), s.ArmedGuard.Mode)
		}
	})
}

func describeRef(id, name string) string {
	if id == "" {
		return name
	}
	return fmt.Sprintf("%s <%s>", name, id)
}

func optionalString(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}
