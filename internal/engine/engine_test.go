package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/internal/audit"
	"custodia/internal/config"
	"custodia/internal/db"
	"custodia/internal/domain"
	"custodia/internal/engine"
	"custodia/internal/migrate"
	"custodia/internal/repo"
)

var appointment = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Scheduling.Timezone = "UTC"
	eng := engine.New(conn, cfg, nil)
	clock := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env testEnv) person(t *testing.T, role domain.Role, name string) domain.Personnel {
	t.Helper()
	p, err := env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{
		Role: string(role), Name: name, Phone: "555-0100", Active: true, ActorID: "dispatcher",
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) service(t *testing.T, folio string, at time.Time, guard bool) domain.ScheduledService {
	t.Helper()
	res, err := env.Engine.CreateService(env.Ctx, engine.CreateServiceOptions{
		Folio: folio, ClientName: "Banco Norte", Origin: "CDMX", Destination: "Toluca",
		AppointmentAt: at, RequiresArmedGuard: guard, ActorID: "dispatcher",
	})
	require.NoError(t, err)
	return res.Service
}

func (env testEnv) history(t *testing.T, id string) []domain.ModificationLogEntry {
	t.Helper()
	entries, err := env.Engine.History(env.Ctx, id, 0)
	require.NoError(t, err)
	return entries
}

func TestAssignConflictScenario(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.person(t, domain.RoleCustodian, "Juan Pérez")

	s1 := env.service(t, "SRV-001", appointment, false)
	assert.Equal(t, domain.StatePlanned, s1.State)

	res, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: c1.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.StateConfirmed, res.State)
	assert.Equal(t, "555-0100", res.Service.Custodian.Phone)

	s2 := env.service(t, "SRV-002", appointment.Add(time.Hour), false)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s2.ID, Custodian: domain.PersonnelRef{ID: c1.ID}, ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, s1.ID, ce.Conflicts[0].ServiceID)
	assert.Contains(t, err.Error(), "SRV-001")

	got, err := env.Engine.GetService(env.Ctx, s2.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Custodian)
	assert.Equal(t, domain.StatePlanned, got.State)
}

func TestArmedGuardCancelScenario(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana López")
	g := env.person(t, domain.RoleArmedGuard, "Luis Ruiz")
	s3 := env.service(t, "SRV-003", appointment, true)
	assert.Equal(t, domain.StatePlanned, s3.State)

	res, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s3.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingAssignment, res.State)

	meet := appointment.Add(-30 * time.Minute)
	res, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{
		ServiceID: s3.ID, ArmedGuard: g.Ref(), Mode: domain.ModeInternal, MeetingPoint: "Base Norte", MeetingTime: &meet, ActorID: "dispatcher",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, res.State)

	*env.Clock = appointment.Add(2 * time.Hour)
	_, err = env.Engine.CancelService(env.Ctx, engine.CancelOptions{ServiceID: s3.ID, Reason: "operador cancelo", ActorID: "dispatcher"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	res, err = env.Engine.CancelService(env.Ctx, engine.CancelOptions{ServiceID: s3.ID, Reason: "cliente cancelo", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, res.State)
	assert.Contains(t, res.Service.Observations, "[CANCELADO 2025-03-10 11:00] Motivo: cliente cancelo")
	require.NotNil(t, res.Service.CancelledAt)

	res, err = env.Engine.CancelService(env.Ctx, engine.CancelOptions{ServiceID: s3.ID, Reason: "cliente cancelo", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s3.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
}

func TestAssignIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Juan Pérez")
	s := env.service(t, "", appointment, false)
	assert.Regexp(t, `^SRV-20250310-[0-9A-F]{4}$`, s.Folio)

	opts := engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"}
	first, err := env.Engine.AssignCustodian(env.Ctx, opts)
	require.NoError(t, err)
	second, err := env.Engine.AssignCustodian(env.Ctx, opts)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.Service.Version, second.Service.Version)

	again, err := env.Engine.ReassignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), Reason: "retry", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	var assigned int
	for _, entry := range env.history(t, s.ID) {
		if entry.ActionType == audit.CustodianAssigned || entry.ActionType == audit.CustodianReassigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestAssignOccupiedSlotRequiresReassign(t *testing.T) {
	env := newTestEnv(t)
	a := env.person(t, domain.RoleCustodian, "Ana")
	b := env.person(t, domain.RoleCustodian, "Beto")
	s := env.service(t, "SRV-010", appointment, false)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: a.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: b.Ref(), ActorID: "dispatcher"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "use reassign")

	_, err = env.Engine.ReassignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: b.Ref(), ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reason", ve.Field)

	res, err := env.Engine.ReassignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: b.Ref(), Reason: "Ana enferma", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.Service.Custodian.ID)
	assert.Equal(t, domain.StateConfirmed, res.State)

	entries := env.history(t, s.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.CustodianReassigned, last.ActionType)
	assert.Equal(t, "Ana enferma", last.Reason)
	assert.Contains(t, last.PreviousValue, a.ID)
	assert.Contains(t, last.NewValue, b.ID)
}

func TestRejectsIneligiblePersonnel(t *testing.T) {
	env := newTestEnv(t)
	g := env.person(t, domain.RoleArmedGuard, "Luis")
	off, err := env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{Role: "custodian", Name: "Inactivo", ActorID: "dispatcher"})
	require.NoError(t, err)
	s := env.service(t, "SRV-011", appointment, false)

	var ve *engine.ValidationError
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: g.Ref(), ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: off.Ref(), ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{ID: "C1"}, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "custodian_id", ve.Field)

	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "does not require")
}

func TestNameOnlyCustodianConflicts(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.service(t, "SRV-020", appointment, false)
	s2 := env.service(t, "SRV-021", appointment.Add(8*time.Hour), false)
	s3 := env.service(t, "SRV-022", appointment.Add(8*time.Hour+time.Minute), false)

	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: domain.PersonnelRef{Name: "Pedro Gil"}, ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s2.ID, Custodian: domain.PersonnelRef{Name: "pedro gil"}, ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s3.ID, Custodian: domain.PersonnelRef{Name: "Pedro Gil"}, ActorID: "dispatcher"})
	require.NoError(t, err)
}

func TestMixedIdentityCustodianConflicts(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.person(t, domain.RoleCustodian, "Juan Pérez")
	s1 := env.service(t, "SRV-023", appointment, false)
	s2 := env.service(t, "SRV-024", appointment, false)

	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: domain.PersonnelRef{ID: c1.ID}, ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s2.ID, Custodian: domain.PersonnelRef{Name: "juan pérez"}, ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, s1.ID, ce.Conflicts[0].ServiceID)
}

func TestNameOnlyRefResolvesToDirectoryID(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.person(t, domain.RoleCustodian, "Juan Pérez")
	s := env.service(t, "SRV-025", appointment, false)

	res, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{Name: "Juan Pérez"}, ActorID: "dispatcher"})
	require.NoError(t, err)
	require.NotNil(t, res.Service.Custodian)
	assert.Equal(t, c1.ID, res.Service.Custodian.ID)
	assert.Equal(t, "555-0100", res.Service.Custodian.Phone)
}

func TestNameOnlyHolderBlocksDirectoryID(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.service(t, "SRV-026", appointment, false)
	s2 := env.service(t, "SRV-027", appointment.Add(2*time.Hour), false)

	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: domain.PersonnelRef{Name: "Juan Pérez"}, ActorID: "dispatcher"})
	require.NoError(t, err)
	c1 := env.person(t, domain.RoleCustodian, "Juan Pérez")

	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s2.ID, Custodian: domain.PersonnelRef{ID: c1.ID}, ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, s1.ID, ce.Conflicts[0].ServiceID)
}

func TestMalformedCandidateIDOnHeldSlot(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	g := env.person(t, domain.RoleArmedGuard, "Luis")
	s := env.service(t, "SRV-028", appointment, true)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	var ve *engine.ValidationError
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{ID: "bad id!"}, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "custodian_id", ve.Field)

	_, err = env.Engine.ReassignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{ID: "bad id!"}, Reason: "cambio", ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "custodian_id", ve.Field)

	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: domain.PersonnelRef{ID: "bad id!"}, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "armed_guard_id", ve.Field)

	_, err = env.Engine.ReassignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: domain.PersonnelRef{ID: "bad id!"}, Reason: "cambio", ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "armed_guard_id", ve.Field)
}

func TestRemoveRequiredGuardReturnsToPending(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	g := env.person(t, domain.RoleArmedGuard, "Luis")
	s := env.service(t, "SRV-030", appointment, true)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	_, err = env.Engine.RemoveAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotArmedGuard, ActorID: "dispatcher"})
	require.Error(t, err)

	res, err := env.Engine.RemoveAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotArmedGuard, Reason: "baja", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingAssignment, res.State)
	assert.Nil(t, res.Service.ArmedGuard)

	res, err = env.Engine.RemoveAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotArmedGuard, Reason: "baja", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = env.Engine.RemoveAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotCustodian, Reason: "baja", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingAssignment, res.State)
}

func TestFlipArmedGuardRequirement(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	g := env.person(t, domain.RoleArmedGuard, "Luis")
	s := env.service(t, "SRV-040", appointment, true)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	off := false
	res, err := env.Engine.UpdateServiceConfiguration(env.Ctx, engine.UpdateServiceOptions{ServiceID: s.ID, RequiresArmedGuard: &off, ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, res.State)
	assert.Nil(t, res.Service.ArmedGuard)
	assert.False(t, res.Service.RequiresArmedGuard)

	on := true
	res, err = env.Engine.UpdateServiceConfiguration(env.Ctx, engine.UpdateServiceOptions{ServiceID: s.ID, RequiresArmedGuard: &on, ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingAssignment, res.State)

	actions := map[string]int{}
	for _, entry := range env.history(t, s.ID) {
		actions[entry.ActionType]++
	}
	assert.Equal(t, 2, actions[audit.ArmedGuardRequirement])
	assert.Equal(t, 1, actions[audit.ArmedGuardRemoved])
}

func TestMoveAppointmentRechecksCustodian(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	s1 := env.service(t, "SRV-050", appointment, false)
	s2 := env.service(t, "SRV-051", appointment.Add(12*time.Hour), false)
	for _, id := range []string{s1.ID, s2.ID} {
		_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: id, Custodian: c.Ref(), ActorID: "dispatcher"})
		require.NoError(t, err)
	}

	closer := appointment.Add(3 * time.Hour)
	_, err := env.Engine.UpdateServiceConfiguration(env.Ctx, engine.UpdateServiceOptions{ServiceID: s2.ID, AppointmentAt: &closer, ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)

	same := s1.AppointmentAt
	origin := "Querétaro"
	res, err := env.Engine.UpdateServiceConfiguration(env.Ctx, engine.UpdateServiceOptions{ServiceID: s1.ID, AppointmentAt: &same, Origin: &origin, ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "Querétaro", res.Service.Origin)

	res, err = env.Engine.UpdateServiceConfiguration(env.Ctx, engine.UpdateServiceOptions{ServiceID: s1.ID, Origin: &origin, ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestDeclineAssignment(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	s := env.service(t, "SRV-060", appointment, true)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	res, err := env.Engine.DeclineAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotCustodian, Reason: "sin disponibilidad", ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.State)
	assert.Nil(t, res.Service.Custodian)

	_, err = env.Engine.DeclineAssignment(env.Ctx, engine.SlotOptions{ServiceID: s.ID, Slot: domain.SlotCustodian, Reason: "x", ActorID: "dispatcher"})
	require.Error(t, err)

	res, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingAssignment, res.State)
}

func TestProviderArmedGuard(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, "SRV-070", appointment, true)
	provider := domain.NewID()

	var ve *engine.ValidationError
	_, err := env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, Mode: domain.ModeProvider, ProviderID: provider, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s.ID, Mode: domain.ModeProvider, ProviderID: "acme", ArmedGuard: domain.PersonnelRef{Name: "Externo"}, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)

	opts := engine.ArmedGuardOptions{ServiceID: s.ID, Mode: domain.ModeProvider, ProviderID: provider, ArmedGuard: domain.PersonnelRef{Name: "Externo"}, ActorID: "dispatcher"}
	res, err := env.Engine.AssignArmedGuard(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, provider, res.Service.ArmedGuard.ProviderID)
	assert.Equal(t, domain.StatePendingAssignment, res.State)

	opts.MeetingPoint = "Caseta 3"
	res, err = env.Engine.AssignArmedGuard(env.Ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "Caseta 3", res.Service.ArmedGuard.MeetingPoint)

	res, err = env.Engine.AssignArmedGuard(env.Ctx, opts)
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestArmedGuardConflictsAreOptIn(t *testing.T) {
	env := newTestEnv(t)
	g := env.person(t, domain.RoleArmedGuard, "Luis")
	s1 := env.service(t, "SRV-080", appointment, true)
	s2 := env.service(t, "SRV-081", appointment.Add(time.Hour), true)
	s3 := env.service(t, "SRV-082", appointment.Add(2*time.Hour), true)
	c := env.person(t, domain.RoleCustodian, "Ana")
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s1.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s2.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	env.Engine.Config.Conflicts.CheckArmedGuards = true
	_, err = env.Engine.AssignArmedGuard(env.Ctx, engine.ArmedGuardOptions{ServiceID: s3.ID, ArmedGuard: g.Ref(), ActorID: "dispatcher"})
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Conflicts, 2)
	assert.Equal(t, s1.ID, ce.Conflicts[0].ServiceID)
	assert.Equal(t, s2.ID, ce.Conflicts[1].ServiceID)
}

func TestCreateServiceValidation(t *testing.T) {
	env := newTestEnv(t)
	env.service(t, "SRV-090", appointment, false)

	var ve *engine.ValidationError
	_, err := env.Engine.CreateService(env.Ctx, engine.CreateServiceOptions{Folio: "SRV-090", ClientName: "x", Origin: "a", Destination: "b", AppointmentAt: appointment, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "folio", ve.Field)

	_, err = env.Engine.CreateService(env.Ctx, engine.CreateServiceOptions{ClientName: "  ", Origin: "a", Destination: "b", AppointmentAt: appointment, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "client_name", ve.Field)

	_, err = env.Engine.CreateService(env.Ctx, engine.CreateServiceOptions{ClientName: "x", Origin: "a", Destination: "b", ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "appointment_at", ve.Field)
}

func TestCreateServiceRetryWithRequestID(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.CreateServiceOptions{
		ClientName: "Banco Norte", Origin: "CDMX", Destination: "Toluca",
		AppointmentAt: appointment, RequestID: "req-7f3a", ActorID: "dispatcher",
	}
	first, err := env.Engine.CreateService(env.Ctx, opts)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	retry, err := env.Engine.CreateService(env.Ctx, opts)
	require.NoError(t, err)
	assert.False(t, retry.Changed)
	assert.Equal(t, first.Service.ID, retry.Service.ID)
	assert.Equal(t, first.Service.Folio, retry.Service.Folio)

	list, err := env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Len(t, env.history(t, first.Service.ID), 1)

	opts.RequestID = "req-other"
	other, err := env.Engine.CreateService(env.Ctx, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.Service.ID, other.Service.ID)
}

func TestConcurrentAssignOneWinner(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Juan Pérez")
	const n = 6
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.service(t, fmt.Sprintf("SRV-3%02d", i), appointment.Add(time.Duration(i)*time.Hour), false).ID
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: ids[i], Custodian: c.Ref(), ActorID: "dispatcher"})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		var ce *engine.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	held, err := env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{PersonnelID: c.ID})
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestInvalidIdentifiersFailFast(t *testing.T) {
	env := newTestEnv(t)
	var ve *engine.ValidationError

	_, err := env.Engine.GetService(env.Ctx, "123")
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: "", Custodian: domain.PersonnelRef{Name: "x"}, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.History(env.Ctx, "not-a-uuid", 0)
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.GetService(env.Ctx, domain.NewID())
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestLeaseBlocksOtherActors(t *testing.T) {
	env := newTestEnv(t)
	s := env.service(t, "SRV-100", appointment, false)
	lease, err := env.Engine.ClaimLease(env.Ctx, s.ID, "alice", 0)
	require.NoError(t, err)
	assert.True(t, lease.ExpiresAt.Equal(env.Clock.Add(5*time.Minute)))

	_, err = env.Engine.ClaimLease(env.Ctx, s.ID, "bob", time.Minute)
	var le *engine.LeaseError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "alice", le.OwnerID)

	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{Name: "Pedro"}, ActorID: "bob"})
	require.ErrorAs(t, err, &le)
	require.ErrorAs(t, env.Engine.ReleaseLease(env.Ctx, s.ID, "bob"), &le)

	_, err = env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: domain.PersonnelRef{Name: "Pedro"}, ActorID: "alice"})
	require.NoError(t, err)

	*env.Clock = env.Clock.Add(6 * time.Minute)
	_, err = env.Engine.GetLease(env.Ctx, s.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.ClaimLease(env.Ctx, s.ID, "bob", time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.Engine.ReleaseLease(env.Ctx, s.ID, "bob"))
	require.NoError(t, env.Engine.ReleaseLease(env.Ctx, s.ID, "bob"))
}

func TestListServicesFilters(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	s1 := env.service(t, "SRV-110", appointment, false)
	env.service(t, "SRV-111", appointment.Add(24*time.Hour), false)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s1.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	day, err := env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{Day: "2025-03-10"})
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.Equal(t, "SRV-110", day[0].Folio)

	planned, err := env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{States: []domain.PlannedState{domain.StatePlanned}})
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, "SRV-111", planned[0].Folio)

	mine, err := env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{PersonnelID: c.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{Day: "10/03/2025"})
	assert.Error(t, err)
	_, err = env.Engine.ListServices(env.Ctx, engine.ListServicesOptions{States: []domain.PlannedState{"asignado"}})
	assert.Error(t, err)
}

func TestCheckConflictsReadSide(t *testing.T) {
	env := newTestEnv(t)
	c := env.person(t, domain.RoleCustodian, "Ana")
	s := env.service(t, "SRV-120", appointment, false)
	_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: c.Ref(), ActorID: "dispatcher"})
	require.NoError(t, err)

	res, err := env.Engine.CheckConflicts(env.Ctx, engine.CheckConflictsOptions{Personnel: c.Ref(), At: appointment.Add(8 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, res.HasConflicts)

	res, err = env.Engine.CheckConflicts(env.Ctx, engine.CheckConflictsOptions{Personnel: c.Ref(), At: appointment.Add(8*time.Hour + time.Second)})
	require.NoError(t, err)
	assert.False(t, res.HasConflicts)

	res, err = env.Engine.CheckConflicts(env.Ctx, engine.CheckConflictsOptions{Personnel: c.Ref(), At: appointment, ExcludeServiceID: s.ID})
	require.NoError(t, err)
	assert.False(t, res.HasConflicts)

	_, err = env.Engine.CheckConflicts(env.Ctx, engine.CheckConflictsOptions{At: appointment})
	assert.Error(t, err)
}

func TestRankCandidatesEnforcesDailyCap(t *testing.T) {
	env := newTestEnv(t)
	busy := env.person(t, domain.RoleCustodian, "Ana")
	fresh := env.person(t, domain.RoleCustodian, "Beto")
	// Nine hours apart keeps each assignment outside the conflict window.
	for i := 0; i < 3; i++ {
		at := time.Date(2025, 3, 10, 1+i*9, 0, 0, 0, time.UTC)
		s := env.service(t, "", at, false)
		_, err := env.Engine.AssignCustodian(env.Ctx, engine.CustodianOptions{ServiceID: s.ID, Custodian: busy.Ref(), ActorID: "dispatcher"})
		require.NoError(t, err)
	}
	target := env.service(t, "SRV-130", time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC), false)

	r, err := env.Engine.RankCandidates(env.Ctx, engine.RankOptions{ServiceID: target.ID})
	require.NoError(t, err)
	require.Len(t, r.NoDisponibles, 1)
	assert.Equal(t, busy.ID, r.NoDisponibles[0].Personnel.ID)
	require.Len(t, r.Disponibles, 1)
	assert.Equal(t, fresh.ID, r.Disponibles[0].Personnel.ID)
	assert.Empty(t, r.ParcialmenteOcupados)
	assert.Empty(t, r.Ocupados)

	_, err = env.Engine.RankCandidates(env.Ctx, engine.RankOptions{})
	assert.Error(t, err)
}

func TestUpsertPersonnelValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve *engine.ValidationError
	_, err := env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{Role: "driver", Name: "x", ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "role", ve.Field)

	lat := 19.4
	_, err = env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{Role: "custodian", Name: "x", Lat: &lat, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)

	_, err = env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{Role: "custodian", Name: "x", Rating: 7, ActorID: "dispatcher"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rating", ve.Field)

	p := env.person(t, domain.RoleCustodian, "Ana")
	updated, err := env.Engine.UpsertPersonnel(env.Ctx, engine.PersonnelOptions{ID: p.ID, Role: "custodian", Name: "Ana María", Active: true, ActorID: "dispatcher"})
	require.NoError(t, err)
	got, err := env.Engine.GetPersonnel(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Name, got.Name)

	list, err := env.Engine.ListPersonnel(env.Ctx, domain.RoleCustodian, true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
