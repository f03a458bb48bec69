package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"person_location/internal/config"
	"person_location/internal/geocode"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/store"
)

const (
	phone  = "device_tracker.rod_iphone"
	watch  = "device_tracker.rod_watch"
	target = "sensor.rod_location"
)

type fakeProvider struct {
	id    string
	res   geocode.Result
	err   error
	calls int
}

func (f *fakeProvider) ID() string           { return f.id }
func (f *fakeProvider) AttributeKey() string { return geocode.AttributeKeys[f.id] }
func (f *fakeProvider) Attribution() string  { return "" }

func (f *fakeProvider) ReverseGeocode(context.Context, float64, float64) (geocode.Result, error) {
	f.calls++
	return f.res, f.err
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]store.Target
}

func (m *memStore) SaveTarget(_ context.Context, t store.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]store.Target)
	}
	m.rows[t.EntityID] = t
	return nil
}

func (m *memStore) LoadTargets(context.Context) ([]store.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Target, 0, len(m.rows))
	for _, t := range m.rows {
		out = append(out, t)
	}
	return out, nil
}

type harness struct {
	i      *Integration
	states *host.States
	sched  *host.ManualScheduler
	osm    *fakeProvider
	store  *memStore
	waits  []time.Duration
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Home = config.Home{Latitude: 40.0, Longitude: -75.0, Radius: 100}
	cfg.PersonNames = []config.PersonName{{Name: "Rod", Devices: []string{phone, watch}}}
	cfg.DistanceDurationSource = "none"
	cfg.OSMAPIKey = "rod@example.com"
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, st *memStore) *harness {
	t.Helper()
	states := host.NewStates(nil)
	zones := host.NewZones(states, time.Minute)
	t.Cleanup(func() { _ = zones.Close() })
	if st == nil {
		st = &memStore{}
	}
	h := &harness{
		states: states,
		sched:  host.NewManualScheduler(time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)),
		osm: &fakeProvider{id: health.OpenStreetMap, res: geocode.Result{
			Locality:         "Springfield",
			CountryCode:      "US",
			FormattedAddress: "1 Main St, Springfield",
		}},
		store: st,
	}
	h.i = New(Options{
		Config:    cfg,
		States:    states,
		Services:  host.NewServices(nil),
		Zones:     zones,
		Scheduler: h.sched,
		Store:     st,
		Tracker:   health.New([]string{health.OpenStreetMap}),
		Geocoders: []geocode.Provider{h.osm},
	})
	h.i.sleep = func(_ context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return nil
	}
	if err := h.i.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.i.Close)
	return h
}

// endStartup runs the clock past the startup grace period.
func (h *harness) endStartup(t *testing.T) {
	t.Helper()
	h.sched.Advance(h.i.Config().StartupGrace())
	if h.i.Starting() {
		t.Fatalf("expected startup grace period over")
	}
}

// report writes a device state stamped with the manual clock, which feeds
// the integration through its state subscription.
func (h *harness) report(entityID, state string, attrs map[string]any) {
	now := h.sched.Now()
	h.states.Put(host.State{EntityID: entityID, State: state, Attributes: attrs, LastChanged: now, LastUpdated: now})
}

func (h *harness) view(t *testing.T) View {
	t.Helper()
	tg, ok := h.i.Targets().Get(target)
	if !ok {
		t.Fatalf("expected target %s", target)
	}
	return tg.View()
}

func gps(lat, lon, acc float64) map[string]any {
	return map[string]any{
		"source_type":   "gps",
		"latitude":      lat,
		"longitude":     lon,
		"gps_accuracy":  acc,
		"friendly_name": "Rod iPhone",
	}
}

func TestStartCreatesConfiguredTargets(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	v := h.view(t)
	if v.State != StateUnknown {
		t.Fatalf("expected unknown, got %q", v.State)
	}
	if !v.LastChanged.Equal(neverChanged) {
		t.Fatalf("expected never-changed timestamp, got %v", v.LastChanged)
	}
	if _, ok := h.store.rows[target]; !ok {
		t.Fatalf("expected target persisted")
	}
	st, ok := h.states.Get(IntegrationEntityID)
	if !ok || st.State != "on" {
		t.Fatalf("expected integration entity on, got %+v", st)
	}
	if _, ok := h.states.Get("zone.home"); !ok {
		t.Fatalf("expected home zone published")
	}
}

func TestFirstPingGoesHome(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "home", gps(40.0001, -75.0001, 10))

	v := h.view(t)
	if v.State != StateHome {
		t.Fatalf("expected Home, got %q", v.State)
	}
	if got := v.Attributes["bread_crumbs"]; got != "Home" {
		t.Fatalf("expected crumbs Home, got %v", got)
	}
	if got := v.Attributes["source"]; got != phone {
		t.Fatalf("expected source %s, got %v", phone, got)
	}
	if got := v.Attributes["latitude"]; got != 40.0 {
		t.Fatalf("expected home latitude forced, got %v", got)
	}
	if v.Info.GeocodeCount != 1 || h.osm.calls != 1 {
		t.Fatalf("expected one geocode, got count=%d calls=%d", v.Info.GeocodeCount, h.osm.calls)
	}
	if got := v.Attributes[geocode.AttributeKeys[health.OpenStreetMap]]; got != "1 Main St, Springfield" {
		t.Fatalf("expected osm address, got %v", got)
	}
	if got := v.Attributes["friendly_name"]; got != "Rod (Rod iPhone) is at Home" {
		t.Fatalf("unexpected friendly name %v", got)
	}
}

func TestArrivalIsDebounced(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	if v := h.view(t); v.State != StateAway {
		t.Fatalf("expected Away, got %q", v.State)
	}

	h.sched.Advance(10 * time.Minute)
	h.report(phone, "home", gps(40.0, -75.0, 20))
	if v := h.view(t); v.State != StateJustArrived {
		t.Fatalf("expected Just Arrived, got %q", v.State)
	}

	h.sched.Advance(2 * time.Minute)
	if v := h.view(t); v.State != StateJustArrived {
		t.Fatalf("expected Just Arrived before the delay, got %q", v.State)
	}
	h.sched.Advance(time.Minute)
	v := h.view(t)
	if v.State != StateHome {
		t.Fatalf("expected Home after the delay, got %q", v.State)
	}
	if v.Attributes["bread_crumbs"] != "Home" || v.Attributes["direction"] != "home" {
		t.Fatalf("expected home reset, got %v", v.Attributes)
	}
}

func TestDepartureIsDebounced(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "home", gps(40.0, -75.0, 20))
	h.sched.Advance(time.Minute)
	h.report(phone, "not_home", gps(40.1, -75.1, 20))
	if v := h.view(t); v.State != StateJustLeft {
		t.Fatalf("expected Just Left, got %q", v.State)
	}
	h.sched.Advance(3 * time.Minute)
	if v := h.view(t); v.State != StateAway {
		t.Fatalf("expected Away, got %q", v.State)
	}
	h.sched.Advance(48 * time.Hour)
	if v := h.view(t); v.State != StateExtendedAway {
		t.Fatalf("expected Extended Away, got %q", v.State)
	}
}

func TestReturnWhileJustLeftGoesStraightHome(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "home", gps(40.0, -75.0, 20))
	h.sched.Advance(time.Minute)
	h.report(phone, "not_home", gps(40.1, -75.1, 20))
	h.sched.Advance(time.Minute)
	h.report(phone, "home", gps(40.0, -75.0, 20))
	if v := h.view(t); v.State != StateHome {
		t.Fatalf("expected Home, got %q", v.State)
	}
	// the pending Just Left timer must not pull the target back to Away
	h.sched.Advance(10 * time.Minute)
	if v := h.view(t); v.State != StateHome {
		t.Fatalf("expected Home, got %q", v.State)
	}
}

func TestExtendedAwayAfterFortyEightHours(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(41.0, -76.0, 20))
	h.sched.Advance(47 * time.Hour)
	if v := h.view(t); v.State != StateAway {
		t.Fatalf("expected Away, got %q", v.State)
	}
	h.sched.Advance(time.Hour)
	if v := h.view(t); v.State != StateExtendedAway {
		t.Fatalf("expected Extended Away, got %q", v.State)
	}
}

func TestStaleTriggerLeavesTargetUnchanged(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	before := h.view(t)

	old := h.sched.Now().Add(-time.Hour)
	h.states.Put(host.State{EntityID: watch, State: "work", Attributes: gps(40.5, -75.5, 5), LastChanged: old, LastUpdated: old})

	after := h.view(t)
	if after.State != before.State || after.Attributes["source"] != phone {
		t.Fatalf("expected stale trigger ignored, got %q from %v", after.State, after.Attributes["source"])
	}
	if after.Attributes["latitude"] != before.Attributes["latitude"] {
		t.Fatalf("expected coordinates unchanged")
	}
	if after.Info.TriggerCount != before.Info.TriggerCount+1 {
		t.Fatalf("expected trigger counted, got %d", after.Info.TriggerCount)
	}
}

func TestBetterAccuracyWins(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 50))
	h.sched.Advance(time.Minute)
	h.report(watch, "not_home", gps(40.2001, -75.2001, 80))
	if got := h.view(t).Attributes["source"]; got != watch {
		t.Fatalf("expected zone change to switch source to watch, got %v", got)
	}

	h.sched.Advance(time.Minute)
	h.report(phone, "not_home", gps(40.2002, -75.2002, 30))
	if got := h.view(t).Attributes["source"]; got != phone {
		t.Fatalf("expected more accurate phone to win, got %v", got)
	}

	h.sched.Advance(time.Minute)
	h.report(watch, "not_home", gps(40.2003, -75.2003, 60))
	v := h.view(t)
	if got := v.Attributes["source"]; got != phone {
		t.Fatalf("expected less accurate watch ignored, got %v", got)
	}
	if got := v.Attributes["gps_accuracy"]; got != 30.0 {
		t.Fatalf("expected accuracy 30, got %v", got)
	}
}

func TestInaccurateFixRejected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 150))
	v := h.view(t)
	if v.State != StateUnknown || v.Info.TriggerCount != 0 {
		t.Fatalf("expected rejected before the target, got %q count=%d", v.State, v.Info.TriggerCount)
	}
}

func TestSelfUpdateIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if err := h.i.ProcessTrigger(context.Background(), target, "unknown", "Home"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := h.view(t); v.Info.TriggerCount != 0 {
		t.Fatalf("expected self update ignored, got %d triggers", v.Info.TriggerCount)
	}
}

func TestUnavailableSourceIsCleared(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	h.sched.Advance(time.Minute)
	h.report(phone, "unavailable", nil)

	v := h.view(t)
	if _, ok := v.Attributes["source"]; ok {
		t.Fatalf("expected source cleared, got %v", v.Attributes["source"])
	}
	if v.State != StateAway {
		t.Fatalf("expected state kept, got %q", v.State)
	}
}

func TestPausedGeocodeCountsSkipped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)
	if _, err := h.i.services.Call(context.Background(), ServiceGeocodeAPIOff, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.report(phone, "not_home", gps(40.2, -75.2, 20))

	c := h.i.Counters()
	if c.APICallsSkipped != 1 || c.APICallsRequested != 0 {
		t.Fatalf("expected one skipped call, got %+v", c)
	}
	if h.osm.calls != 0 {
		t.Fatalf("expected no provider calls, got %d", h.osm.calls)
	}
	if st, _ := h.states.Get(IntegrationEntityID); st.State != "off" || st.Attr("icon") != "mdi:api-off" {
		t.Fatalf("expected integration entity off, got %+v", st)
	}
	if v := h.view(t); v.State != StateAway {
		t.Fatalf("expected state machine to run while paused, got %q", v.State)
	}
}

func TestServiceProcessTriggerRequiresEntity(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.i.services.Call(context.Background(), ServiceProcessTrigger, map[string]any{})
	if err == nil {
		t.Fatalf("expected missing entity error")
	}
}

func TestRestoreRearmsTimers(t *testing.T) {
	st := &memStore{}
	_ = st.SaveTarget(context.Background(), store.Target{
		EntityID:   target,
		PersonName: "Rod",
		State:      "StatZon3",
		Attributes: map[string]any{"source": phone, "Radar": "1 Main St", "Open_Street_Map": "2 Main St"},
		Info:       map[string]any{"geocode_count": 4.0, "locality": "Springfield"},
	})
	h := newHarness(t, testConfig(), st)

	v := h.view(t)
	if v.State != StateAway {
		t.Fatalf("expected stationary zone restored as Away, got %q", v.State)
	}
	if _, ok := v.Attributes["Radar"]; ok {
		t.Fatalf("expected unkeyed provider address dropped")
	}
	if v.Attributes["Open_Street_Map"] != "2 Main St" {
		t.Fatalf("expected keyed provider address kept, got %v", v.Attributes["Open_Street_Map"])
	}
	if v.Info.GeocodeCount != 4 || v.Info.Locality != "Springfield" {
		t.Fatalf("unexpected info %+v", v.Info)
	}

	h.sched.Advance(48 * time.Hour)
	if v := h.view(t); v.State != StateExtendedAway {
		t.Fatalf("expected Extended Away after restore, got %q", v.State)
	}
}

func TestRegeocodeAllSkipsNeverGeocoded(t *testing.T) {
	cfg := testConfig()
	cfg.PersonNames = append(cfg.PersonNames, config.PersonName{Name: "Jane"})
	h := newHarness(t, cfg, nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	h.sched.Advance(time.Minute)

	if n := h.i.RegeocodeAll("{{person_name}} {{friendly_name_location}}"); n != 1 {
		t.Fatalf("expected one target re-geocoded, got %d", n)
	}
	if got := h.view(t).Attributes["friendly_name"]; got != "Rod is in Springfield" {
		t.Fatalf("unexpected friendly name %v", got)
	}
}

func TestReconfigureAppliesNewTemplateAndPeople(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)
	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	h.sched.Advance(time.Minute)

	cfg := testConfig()
	cfg.FriendlyNameTemplate = "{{person_name}} {{friendly_name_location}}"
	cfg.PersonNames = append(cfg.PersonNames, config.PersonName{Name: "Jane"})
	prev := h.i.Reconfigure(context.Background(), cfg)

	if prev.FriendlyNameTemplate == cfg.FriendlyNameTemplate {
		t.Fatalf("expected the previous config returned")
	}
	if got := h.view(t).Attributes["friendly_name"]; got != "Rod is in Springfield" {
		t.Fatalf("unexpected friendly name %v", got)
	}
	if _, ok := h.i.Targets().Get("sensor.jane_location"); !ok {
		t.Fatalf("expected a target for the new person")
	}
	if _, ok := h.states.Get("sensor.jane_location"); !ok {
		t.Fatalf("expected the new target published")
	}
}
