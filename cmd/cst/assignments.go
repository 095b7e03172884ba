package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"custodia/internal/domain"
	"custodia/internal/engine"
	"custodia/internal/engine/ranking"
)

type personFlags struct {
	id, name, phone string
}

func (p *personFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.id, "id", "", "personnel id from the directory")
	cmd.Flags().StringVar(&p.name, "name", "", "personnel name")
	cmd.Flags().StringVar(&p.phone, "phone", "", "personnel phone")
}

func (p personFlags) ref() domain.PersonnelRef {
	return domain.PersonnelRef{ID: p.id, Name: p.name, Phone: p.phone}
}

type guardFlags struct {
	personFlags
	mode, providerID, meetingPoint, meetingTime string
}

func (g *guardFlags) bind(cmd *cobra.Command) {
	g.personFlags.bind(cmd)
	cmd.Flags().StringVar(&g.mode, "mode", "", "internal or provider")
	cmd.Flags().StringVar(&g.providerID, "provider-id", "", "external provider id")
	cmd.Flags().StringVar(&g.meetingPoint, "meeting-point", "", "where the guard meets the custodian")
	cmd.Flags().StringVar(&g.meetingTime, "meeting-time", "", "when the guard meets the custodian")
}

func (g guardFlags) options(e engine.Engine, serviceID, reason string) (engine.ArmedGuardOptions, error) {
	opts := engine.ArmedGuardOptions{
		ServiceID:    serviceID,
		ArmedGuard:   g.ref(),
		Mode:         domain.ArmedGuardMode(g.mode),
		ProviderID:   g.providerID,
		MeetingPoint: g.meetingPoint,
		Reason:       reason,
		ActorID:      actorID(),
	}
	if g.meetingTime != "" {
		t, err := parseWhen("meeting-time", g.meetingTime, e.Config.Location())
		if err != nil {
			return opts, err
		}
		opts.MeetingTime = &t
	}
	return opts, nil
}

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assign", Short: "Fill an empty slot"}
	cmd.AddCommand(custodianCmd(false))
	cmd.AddCommand(armedGuardCmd(false))
	return cmd
}

func reassignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reassign", Short: "Replace the holder of a slot"}
	cmd.AddCommand(custodianCmd(true))
	cmd.AddCommand(armedGuardCmd(true))
	return cmd
}

func custodianCmd(reassign bool) *cobra.Command {
	var p personFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "custodian <service-id>",
		Short: "Assign the custodian",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CustodianOptions{ServiceID: args[0], Custodian: p.ref(), Reason: reason, ActorID: actorID()}
				op := e.AssignCustodian
				if reassign {
					op = e.ReassignCustodian
				}
				res, err := op(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(res, e.Config.Location())
			})
		},
	}
	p.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required to reassign)")
	return cmd
}

func armedGuardCmd(reassign bool) *cobra.Command {
	var g guardFlags
	var reason string
	cmd := &cobra.Command{
		Use:   "armed-guard <service-id>",
		Short: "Assign the armed guard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts, err := g.options(e, args[0], reason)
				if err != nil {
					return err
				}
				op := e.AssignArmedGuard
				if reassign {
					op = e.ReassignArmedGuard
				}
				res, err := op(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(res, e.Config.Location())
			})
		},
	}
	g.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required to reassign)")
	return cmd
}

func slotCmd(use, short string) *cobra.Command {
	var slot, reason string
	cmd := &cobra.Command{
		Use:   use + " <service-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.SlotOptions{ServiceID: args[0], Slot: domain.Slot(slot), Reason: reason, ActorID: actorID()}
				op := e.RemoveAssignment
				if use == "decline" {
					op = e.DeclineAssignment
				}
				res, err := op(ctx, opts)
				if err != nil {
					return err
				}
				return printResult(res, e.Config.Location())
			})
		},
	}
	cmd.Flags().StringVar(&slot, "slot", string(domain.SlotCustodian), "custodian or armed_guard")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func conflictsCmd() *cobra.Command {
	var p personFlags
	var at, exclude string
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List commitments of a person near a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc := e.Config.Location()
				when, err := parseWhen("at", at, loc)
				if err != nil {
					return err
				}
				res, err := e.CheckConflicts(ctx, engine.CheckConflictsOptions{Personnel: p.ref(), At: when, ExcludeServiceID: exclude})
				if err != nil {
					return err
				}
				return printJSONOr(res, func() {
					if !res.HasConflicts {
						fmt.Println("no conflicts")
					}
					if res.Degraded {
						fmt.Println("warning: conflict lookup failed; result may be incomplete")
					}
					if len(res.Conflicts) == 0 {
						return
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Check", "Folio", "Appointment", "Client", "Route", "State"})
					for _, c := range res.Conflicts {
						tw.AppendRow(table.Row{c.Source, c.Folio, formatWhen(c.AppointmentAt, loc), c.ClientName, c.Origin + " -> " + c.Destination, c.State})
					}
					tw.Render()
				})
			})
		},
	}
	p.bind(cmd)
	cmd.Flags().StringVar(&at, "at", "", "time to check")
	cmd.Flags().StringVar(&exclude, "exclude", "", "service id to ignore")
	return cmd
}

func rankCmd() *cobra.Command {
	var role, at, zone, serviceType, lat, lon string
	cmd := &cobra.Command{
		Use:   "rank [service-id]",
		Short: "Rank candidates for a service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc := e.Config.Location()
				opts := engine.RankOptions{Role: domain.Role(role), Zone: zone, ServiceType: serviceType}
				if len(args) == 1 {
					opts.ServiceID = args[0]
				}
				if at != "" {
					when, err := parseWhen("at", at, loc)
					if err != nil {
						return err
					}
					opts.At = when
				}
				var err error
				if opts.Lat, err = parseCoordinate("lat", lat); err != nil {
					return err
				}
				if opts.Lon, err = parseCoordinate("lon", lon); err != nil {
					return err
				}
				res, err := e.RankCandidates(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOr(res, func() { renderRanking(res) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&role, "role", string(domain.RoleCustodian), "custodian or armed_guard")
	f.StringVar(&at, "at", "", "appointment time (defaults to the service's)")
	f.StringVar(&zone, "zone", "", "service zone")
	f.StringVar(&serviceType, "type", "", "service type")
	f.StringVar(&lat, "lat", "", "pickup latitude")
	f.StringVar(&lon, "lon", "", "pickup longitude")
	return cmd
}

func renderRanking(r ranking.Ranking) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Availability", "Name", "Id", "Today", "Score", "Note"})
	for _, group := range [][]ranking.Scored{r.Disponibles, r.ParcialmenteOcupados, r.Ocupados, r.NoDisponibles} {
		for _, s := range group {
			tw.AppendRow(table.Row{s.Availability, s.Personnel.Name, s.Personnel.ID, s.ServicesToday, fmt.Sprintf("%.2f", s.ScoreTotal), s.Reason})
		}
	}
	tw.Render()
}

// parseCoordinate returns nil for an empty flag.
func parseCoordinate(field, value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("--%s %q is not a number", field, value)
	}
	return &v, nil
}

