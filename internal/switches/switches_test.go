package switches

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"person_location/internal/events"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/store"
)

func setup(t *testing.T) (*Switches, *health.Tracker, *host.States, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "switches.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	tracker := health.New([]string{health.Radar, health.Waze})
	states := host.NewStates(nil)
	sw := New(tracker, states, host.NewServices(nil), st, events.NewBus())
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sw.Close)
	return sw, tracker, states, st
}

func TestStartPublishesSwitches(t *testing.T) {
	_, _, states, _ := setup(t)
	got, ok := states.Get("switch.api_radar")
	if !ok || got.State != "on" {
		t.Fatalf("expected radar switch on, got %+v", got)
	}
	if got.Attr("friendly_name") != "Radar" || got.Attr("provider_id") != health.Radar {
		t.Fatalf("unexpected attributes %v", got.Attributes)
	}
	if _, ok := states.Get("switch.api_google_maps"); ok {
		t.Fatalf("expected no switch for a provider without a key")
	}
}

func TestAuthFailureTurnsSwitchOffAndPersists(t *testing.T) {
	_, tracker, states, st := setup(t)
	tracker.RecordError(health.Radar, "status: 401", true)

	got, _ := states.Get("switch.api_radar")
	if got.State != "off" || got.Attr("issue") == "" {
		t.Fatalf("expected radar off with an issue, got %+v", got)
	}
	recs, err := st.LoadProviders(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != health.Radar || recs[0].Enabled {
		t.Fatalf("expected disabled radar persisted, got %+v", recs)
	}
}

func TestTurnServices(t *testing.T) {
	sw, tracker, _, _ := setup(t)
	ctx := context.Background()

	if _, err := sw.services.Call(ctx, ServiceTurnOff, map[string]any{"entity_id": "switch.api_waze"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.IsEnabled(health.Waze) {
		t.Fatalf("expected waze off")
	}
	if err := sw.Turn(ctx, "switch.api_waze", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tracker.IsEnabled(health.Waze) {
		t.Fatalf("expected waze on")
	}
	if err := sw.Turn(ctx, "switch.api_mapbox", true); !errors.Is(err, health.ErrNoKey) {
		t.Fatalf("expected no key error, got %v", err)
	}
	if err := sw.Turn(ctx, "light.kitchen", true); !errors.Is(err, ErrNotSwitch) {
		t.Fatalf("expected not a switch error, got %v", err)
	}
}

func TestRestoreAppliesPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restore.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.SaveProvider(context.Background(), health.Record{ID: health.Radar, Enabled: false, ErrorCount: 3, LastError: "status: 401"}); err != nil {
		t.Fatal(err)
	}

	tracker := health.New([]string{health.Radar})
	states := host.NewStates(nil)
	sw := New(tracker, states, host.NewServices(nil), st, nil)
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Close()

	if tracker.IsEnabled(health.Radar) {
		t.Fatalf("expected persisted off state restored")
	}
	if got, _ := states.Get("switch.api_radar"); got.State != "off" || got.Attributes["error_count"] != 3 {
		t.Fatalf("unexpected switch %+v", got)
	}
}
