package models_test

import (
	"testing"

	"bitbucket.org/mmdatafocus/factory_backend/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func move(from, to models.Phase, qty string) models.PhaseEvent {
	return models.PhaseEvent{FromPhase: from, ToPhase: to, Quantity: dec(qty)}
}

func rollback(from, to models.Phase, qty string, mode models.RollbackMode) models.PhaseEvent {
	t := true
	return models.PhaseEvent{FromPhase: from, ToPhase: to, Quantity: dec(qty), IsRollback: &t, RollbackMode: &mode}
}

func TestReplayConservationAcrossAdvances(t *testing.T) {
	ordered := dec("10")
	events := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "10"),
		move(models.PhaseStructure, models.PhasePadding, "6"),
		move(models.PhasePadding, models.PhaseUpholstery, "6"),
		move(models.PhaseStructure, models.PhasePadding, "4"),
	}

	occ := models.PhaseOccupancy(ordered, events)
	if !occ[models.PhaseInserted].IsZero() {
		t.Fatalf("Inserted occupancy = %s, want 0", occ[models.PhaseInserted])
	}
	if !occ[models.PhasePadding].Equal(dec("4")) {
		t.Fatalf("Padding occupancy = %s, want 4", occ[models.PhasePadding])
	}
	if !occ[models.PhaseUpholstery].Equal(dec("6")) {
		t.Fatalf("Upholstery occupancy = %s, want 6", occ[models.PhaseUpholstery])
	}
	if got := models.QuantityInPipeline(ordered, events); !got.Equal(ordered) {
		t.Fatalf("pipeline total = %s, want %s", got, ordered)
	}
}

func TestScrapRemovesUnitsFromPipeline(t *testing.T) {
	ordered := dec("10")
	events := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "10"),
		move(models.PhaseStructure, models.PhasePadding, "10"),
		rollback(models.PhasePadding, models.PhaseInserted, "2", models.RollbackModeScrap),
	}

	if got := models.QuantityInPipeline(ordered, events); !got.Equal(dec("8")) {
		t.Fatalf("pipeline after scrap = %s, want 8", got)
	}
	// Scrapped units do not reappear in the rollback target phase.
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhaseInserted); !got.IsZero() {
		t.Fatalf("Inserted after scrap = %s, want 0", got)
	}
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhasePadding); !got.Equal(dec("8")) {
		t.Fatalf("Padding after scrap = %s, want 8", got)
	}
}

func TestPartialAdvanceThenScrap(t *testing.T) {
	ordered := dec("10")
	events := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "6"),
	}

	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhaseInserted); !got.Equal(dec("4")) {
		t.Fatalf("Inserted = %s, want 4", got)
	}
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhaseStructure); !got.Equal(dec("6")) {
		t.Fatalf("Structure = %s, want 6", got)
	}

	events = append(events, rollback(models.PhaseStructure, models.PhaseInserted, "2", models.RollbackModeScrap))
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhaseStructure); !got.Equal(dec("4")) {
		t.Fatalf("Structure after scrap = %s, want 4", got)
	}
	if got := models.QuantityInPipeline(ordered, events); !got.Equal(dec("8")) {
		t.Fatalf("pipeline after scrap = %s, want 8 (ordered minus scrapped)", got)
	}
}

func TestReuseRollbackKeepsUnitsInPipeline(t *testing.T) {
	ordered := dec("5")
	events := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "5"),
		move(models.PhaseStructure, models.PhasePadding, "5"),
		rollback(models.PhasePadding, models.PhaseStructure, "3", models.RollbackModeReuse),
	}

	if got := models.QuantityInPipeline(ordered, events); !got.Equal(ordered) {
		t.Fatalf("pipeline after reuse rollback = %s, want %s", got, ordered)
	}
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhaseStructure); !got.Equal(dec("3")) {
		t.Fatalf("Structure after reuse rollback = %s, want 3", got)
	}
	if got := models.QuantityInPhaseFromEvents(ordered, events, models.PhasePadding); !got.Equal(dec("2")) {
		t.Fatalf("Padding after reuse rollback = %s, want 2", got)
	}
}

func TestDeriveLineStateTracksLowestActivePhase(t *testing.T) {
	ordered := dec("4")

	phase, completed := models.DeriveLineState(ordered, nil)
	if phase != models.PhaseInserted || !completed.IsZero() {
		t.Fatalf("fresh line: phase=%s completed=%s, want Inserted/0", phase, completed)
	}

	partial := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "4"),
		move(models.PhaseStructure, models.PhasePadding, "2"),
	}
	phase, completed = models.DeriveLineState(ordered, partial)
	if phase != models.PhaseStructure || !completed.IsZero() {
		t.Fatalf("split line: phase=%s completed=%s, want Structure/0", phase, completed)
	}

	shipped := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "4"),
		move(models.PhaseStructure, models.PhasePadding, "4"),
		move(models.PhasePadding, models.PhaseUpholstery, "4"),
		move(models.PhaseUpholstery, models.PhaseAssembly, "4"),
		move(models.PhaseAssembly, models.PhaseFinishing, "4"),
		move(models.PhaseFinishing, models.PhaseShipped, "4"),
	}
	phase, completed = models.DeriveLineState(ordered, shipped)
	if phase != models.PhaseShipped || !completed.Equal(ordered) {
		t.Fatalf("finished line: phase=%s completed=%s, want Shipped/%s", phase, completed, ordered)
	}
}

func TestDeriveLineStateFullyScrappedLine(t *testing.T) {
	ordered := dec("3")
	events := []models.PhaseEvent{
		move(models.PhaseInserted, models.PhaseStructure, "3"),
		rollback(models.PhaseStructure, models.PhaseInserted, "3", models.RollbackModeScrap),
	}
	phase, completed := models.DeriveLineState(ordered, events)
	if phase != models.PhaseInserted {
		t.Fatalf("fully scrapped line phase = %s, want Inserted", phase)
	}
	if !completed.IsZero() {
		t.Fatalf("fully scrapped line completed = %s, want 0", completed)
	}
}
