package presence

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"person_location/internal/apiclient"
	"person_location/internal/geocode"
	"person_location/internal/health"
	"person_location/internal/host"
)

func TestBackToBackGeocodesAreThrottled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		if err := h.i.ReverseGeocode(ctx, target, TemplateNone, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	c := h.i.Counters()
	if c.APICallsRequested != n || c.APICallsThrottled != n-1 {
		t.Fatalf("expected %d requested and %d throttled, got %+v", n, n-1, c)
	}
	if len(h.waits) != n-1 || h.waits[0] != time.Second {
		t.Fatalf("expected %d one-second waits, got %v", n-1, h.waits)
	}
	if c.TargetCalls[target] != n {
		t.Fatalf("expected per-target count %d, got %d", n, c.TargetCalls[target])
	}
	st, _ := h.states.Get(IntegrationEntityID)
	if st.Attributes["api_calls_throttled"] != n-1 || st.Attributes[target+" calls"] != n {
		t.Fatalf("expected counters published, got %v", st.Attributes)
	}
}

func TestSpacedGeocodesAreNotThrottled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)
	for i := 0; i < 3; i++ {
		_ = h.i.ReverseGeocode(context.Background(), target, TemplateNone, false)
		h.sched.Advance(2 * time.Second)
	}
	if c := h.i.Counters(); c.APICallsThrottled != 0 {
		t.Fatalf("expected no throttling, got %d", c.APICallsThrottled)
	}
}

func TestReverseGeocodeUnknownTarget(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if err := h.i.ReverseGeocode(context.Background(), "sensor.nobody_location", TemplateNone, false); err == nil {
		t.Fatalf("expected not found error")
	}
	if err := h.i.ReverseGeocode(context.Background(), "", TemplateNone, false); err != ErrMissingEntity {
		t.Fatalf("expected missing entity error, got %v", err)
	}
}

func TestSmallMoveSkipsProviders(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.1, -75.0, 20))
	h.sched.Advance(100 * time.Second)
	h.report(phone, "not_home", gps(40.11, -75.0, 20))
	if h.osm.calls != 2 {
		t.Fatalf("expected both fixes geocoded, got %d calls", h.osm.calls)
	}
	before := h.view(t)
	if before.Attributes["direction"] != "away from home" {
		t.Fatalf("expected away from home after the first move, got %v", before.Attributes["direction"])
	}

	h.sched.Advance(100 * time.Second)
	// about 2.2 m north
	h.report(phone, "not_home", gps(40.11002, -75.0, 10))

	v := h.view(t)
	if h.osm.calls != 2 {
		t.Fatalf("expected no provider call for a small move, got %d", h.osm.calls)
	}
	if v.Info.GeocodeCount != before.Info.GeocodeCount {
		t.Fatalf("expected geocode count unchanged, got %d", v.Info.GeocodeCount)
	}
	if v.Attributes["compass_bearing"] != 0.0 {
		t.Fatalf("expected northward bearing 0, got %v", v.Attributes["compass_bearing"])
	}
	if v.Attributes["latitude"] != 40.11002 {
		t.Fatalf("expected new coordinates published, got %v", v.Attributes["latitude"])
	}
	if speed, ok := v.Attributes["speed"].(float64); !ok || speed != 0.0 {
		t.Fatalf("expected speed 0.0 for a small move, got %v", v.Attributes["speed"])
	}
	if v.Attributes["direction"] != "stationary" {
		t.Fatalf("expected stationary, got %v", v.Attributes["direction"])
	}
	if v.Attributes["bread_crumbs"] != "Springfield" {
		t.Fatalf("expected locality kept, got %v", v.Attributes["bread_crumbs"])
	}
}

func TestLaterProviderWithoutLocalityKeepsEarlierOne(t *testing.T) {
	cfg := testConfig()
	cfg.GoogleAPIKey = "AIza"
	states := host.NewStates(nil)
	zones := host.NewZones(states, time.Minute)
	defer zones.Close()
	sched := host.NewManualScheduler(fixTime)
	osm := &fakeProvider{id: health.OpenStreetMap, res: geocode.Result{Locality: "Springfield", FormattedAddress: "1 Main St, Springfield"}}
	google := &fakeProvider{id: health.GoogleMaps, res: geocode.Result{Locality: geocode.UnknownLocality, FormattedAddress: "Somewhere"}}
	i := New(Options{
		Config:    cfg,
		States:    states,
		Services:  host.NewServices(nil),
		Zones:     zones,
		Scheduler: sched,
		Tracker:   health.New([]string{health.OpenStreetMap, health.GoogleMaps}),
		Geocoders: []geocode.Provider{osm, google},
	})
	i.sleep = func(context.Context, time.Duration) error { return nil }
	if err := i.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer i.Close()

	tg, _ := i.Targets().Get(target)
	tg.mu.Lock()
	tg.Attrs.Latitude = ptr(40.2)
	tg.Attrs.Longitude = ptr(-75.2)
	tg.mu.Unlock()
	if err := i.ReverseGeocode(context.Background(), target, TemplateNone, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if osm.calls != 1 || google.calls != 1 {
		t.Fatalf("expected both providers called, got osm=%d google=%d", osm.calls, google.calls)
	}
	v := tg.View()
	if v.Attributes["locality"] != "Springfield" || v.Info.Locality != "Springfield" {
		t.Fatalf("expected Springfield kept, got %v / %q", v.Attributes["locality"], v.Info.Locality)
	}
	if v.Attributes["bread_crumbs"] != "Springfield" {
		t.Fatalf("expected Springfield crumb, got %v", v.Attributes["bread_crumbs"])
	}
	if v.Attributes["Google_Maps"] != "Somewhere" {
		t.Fatalf("expected google address stored, got %v", v.Attributes["Google_Maps"])
	}
}

func TestForcedGeocodeIgnoresDistanceGate(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)
	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	h.sched.Advance(time.Minute)

	if err := h.i.ReverseGeocode(context.Background(), target, TemplateNone, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.osm.calls != 2 {
		t.Fatalf("expected forced provider call, got %d", h.osm.calls)
	}
}

func TestMovementAttributes(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.1, -75.0, 20))
	h.sched.Advance(100 * time.Second)
	h.report(phone, "not_home", gps(40.11, -75.0, 20))

	v := h.view(t)
	if v.Attributes["direction"] != "away from home" {
		t.Fatalf("expected away from home, got %v", v.Attributes["direction"])
	}
	speed, _ := v.Attributes["speed"].(float64)
	if speed < 11 || speed > 11.3 {
		t.Fatalf("expected about 11.1 m/s, got %v", speed)
	}
	miles, _ := v.Attributes["miles_from_home"].(float64)
	if miles < 7.5 || miles > 7.7 {
		t.Fatalf("expected about 7.6 miles from home, got %v", miles)
	}
	if v.Attributes["bread_crumbs"] != "Springfield" {
		t.Fatalf("expected locality crumb, got %v", v.Attributes["bread_crumbs"])
	}
}

func TestProviderDisabledAfterAuthFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"meta":{"code":401,"message":"unauthorized"}}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RadarAPIKey = "bad"
	states := host.NewStates(nil)
	zones := host.NewZones(states, time.Minute)
	defer zones.Close()
	sched := host.NewManualScheduler(fixTime)
	tracker := health.New([]string{health.Radar})
	radar := &geocode.Radar{Key: "bad", BaseURL: srv.URL, Client: apiclient.New(apiclient.WithAttempts(1))}
	i := New(Options{
		Config:    cfg,
		States:    states,
		Services:  host.NewServices(nil),
		Zones:     zones,
		Scheduler: sched,
		Tracker:   tracker,
		Geocoders: []geocode.Provider{radar},
	})
	i.sleep = func(context.Context, time.Duration) error { return nil }
	if err := i.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer i.Close()

	tg, _ := i.Targets().Get(target)
	for n := 0; n < 3; n++ {
		tg.mu.Lock()
		tg.Attrs.Latitude = ptr(41 + float64(n))
		tg.Attrs.Longitude = ptr(-75)
		tg.mu.Unlock()
		if err := i.ReverseGeocode(context.Background(), target, TemplateNone, true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected radar called once before being switched off, got %d", got)
	}
	rec, _ := tracker.Get(health.Radar)
	if rec.Enabled || rec.Issue == "" {
		t.Fatalf("expected radar disabled with an issue, got %+v", rec)
	}
	v := tg.View()
	if _, ok := v.Attributes["Radar"]; ok {
		t.Fatalf("expected no radar address")
	}
	if c := i.Counters(); c.APIExceptionCount != 0 {
		t.Fatalf("expected provider failures not counted as exceptions, got %d", c.APIExceptionCount)
	}
	if v.Info.GeocodeCount != 3 {
		t.Fatalf("expected the cycle to complete without providers, got %d", v.Info.GeocodeCount)
	}
}

type recordingSink struct{ views []View }

func (r *recordingSink) Update(v View) { r.views = append(r.views, v) }

func TestSensorsUpdatedAfterGeocode(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	sink := &recordingSink{}
	h.i.sensors = sink
	h.endStartup(t)

	h.report(phone, "not_home", gps(40.2, -75.2, 20))
	if len(sink.views) != 1 || sink.views[0].EntityID != target {
		t.Fatalf("expected one sensor update for %s, got %+v", target, sink.views)
	}
}

func TestBearingAndDistance(t *testing.T) {
	if d := haversineMeters(40, -75, 41, -75); math.Abs(d-111195) > 5 {
		t.Fatalf("expected about 111195 m per degree, got %v", d)
	}
	cases := []struct {
		lat, lon float64
		want     float64
	}{
		{41, -75, 0},
		{40, -74, 90},
		{39, -75, 180},
		{40, -76, 270},
	}
	for _, c := range cases {
		if got := initialBearing(40, -75, c.lat, c.lon); math.Abs(got-c.want) > 0.5 {
			t.Fatalf("expected bearing %v to %v,%v, got %v", c.want, c.lat, c.lon, got)
		}
	}
}

func TestDirection(t *testing.T) {
	cases := []struct {
		from, old, speed float64
		want             string
	}{
		{500000, 100, 30, "far away"},
		{1000, 2000, 0.2, "stationary"},
		{1000, 2000, 5, "toward home"},
		{2000, 1000, 5, "away from home"},
		{1000, 1000, 5, "stationary"},
	}
	for _, c := range cases {
		if got := direction(c.from, c.old, c.speed); got != c.want {
			t.Fatalf("expected %q for %+v, got %q", c.want, c, got)
		}
	}
}
