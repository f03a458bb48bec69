package sensors

import (
	"testing"

	"person_location/internal/config"
	"person_location/internal/host"
	"person_location/internal/presence"
)

func view() presence.View {
	return presence.View{
		EntityID:   "sensor.rod_location",
		PersonName: "Rod",
		State:      "Away",
		Attributes: map[string]any{
			"altitude":          102.0,
			"vertical_accuracy": 4.0,
			"bread_crumbs":      "Home> Springfield",
			"miles_from_home":   7.6,
			"meters_from_home":  12231.4,
			"driving_miles":     "9.2",
			"icon":              "mdi:help-circle",
			"latitude":          40.11,
			"longitude":         -75.0,
			"gps_accuracy":      20.0,
			"locality":          "Springfield",
			"location_time":     "2024-05-01 12:01:40.000000",
			"Open_Street_Map":   "1 Main St, Springfield",
		},
	}
}

func TestUpdatePublishesRequestedSensors(t *testing.T) {
	states := host.NewStates(nil)
	cfg := config.Defaults()
	cfg.CreateSensors = []string{"altitude", "bread_crumbs", "miles_from_home", "driving_minutes"}
	p := New(states, func() config.Config { return cfg })

	p.Update(view())

	st, ok := states.Get("sensor.rod_location_altitude")
	if !ok || st.State != "102" {
		t.Fatalf("expected altitude sensor 102, got %+v", st)
	}
	if st.Attributes["unit_of_measurement"] != "m" || st.Attributes["vertical_accuracy"] != 4.0 {
		t.Fatalf("unexpected altitude attributes %v", st.Attributes)
	}
	if st.Attr("person_name") != "Rod" || st.Attr("friendly_name") != "Altitude" {
		t.Fatalf("unexpected naming attributes %v", st.Attributes)
	}

	miles, _ := states.Get("sensor.rod_location_miles_from_home")
	if miles.State != "7.6" || miles.Attr("driving_miles") != "9.2" || miles.Attr("unit_of_measurement") != "mi" {
		t.Fatalf("unexpected miles sensor %+v", miles)
	}
	if crumbs, _ := states.Get("sensor.rod_location_bread_crumbs"); crumbs.State != "Home> Springfield" {
		t.Fatalf("unexpected crumbs sensor %+v", crumbs)
	}
	if _, ok := states.Get("sensor.rod_location_driving_minutes"); ok {
		t.Fatalf("expected no sensor for an absent attribute")
	}
	if _, ok := states.Get("sensor.rod_location_latitude"); ok {
		t.Fatalf("expected no sensor that was not requested")
	}
}

func TestAltitudeNeedsVerticalAccuracy(t *testing.T) {
	states := host.NewStates(nil)
	cfg := config.Defaults()
	cfg.CreateSensors = []string{"altitude"}
	p := New(states, func() config.Config { return cfg })

	v := view()
	v.Attributes["vertical_accuracy"] = 0.0
	p.Update(v)
	if _, ok := states.Get("sensor.rod_location_altitude"); ok {
		t.Fatalf("expected altitude skipped without vertical accuracy")
	}
}

func TestGeocodedSensorPerProvider(t *testing.T) {
	states := host.NewStates(nil)
	cfg := config.Defaults()
	cfg.CreateSensors = []string{Geocoded}
	p := New(states, func() config.Config { return cfg })

	p.Update(view())

	st, ok := states.Get("sensor.rod_location_open_street_map")
	if !ok || st.State != "1 Main St, Springfield" {
		t.Fatalf("expected osm sensor, got %+v", st)
	}
	if st.Attr("friendly_name") != "Open Street Map" || st.Attr("locality") != "Springfield" {
		t.Fatalf("unexpected attributes %v", st.Attributes)
	}
	if st.Attr("location_time") != "2024-05-01 12:01:40" {
		t.Fatalf("expected location time to the second, got %q", st.Attr("location_time"))
	}
	if _, ok := states.Get("sensor.rod_location_radar"); ok {
		t.Fatalf("expected no sensor for a provider without an address")
	}
}

func TestPruneRemovesUnrequestedSensors(t *testing.T) {
	states := host.NewStates(nil)
	cfg := config.Defaults()
	cfg.CreateSensors = []string{"bread_crumbs", Geocoded}
	p := New(states, func() config.Config { return cfg })
	p.Update(view())
	if n := len(p.Owned()); n != 2 {
		t.Fatalf("expected 2 sensors, got %d", n)
	}

	cfg.CreateSensors = []string{"bread_crumbs"}
	removed := p.Prune()
	if len(removed) != 1 || removed[0] != "sensor.rod_location_open_street_map" {
		t.Fatalf("expected geocoded sensor pruned, got %v", removed)
	}
	if _, ok := states.Get("sensor.rod_location_open_street_map"); ok {
		t.Fatalf("expected state removed")
	}
	if _, ok := states.Get("sensor.rod_location_bread_crumbs"); !ok {
		t.Fatalf("expected requested sensor kept")
	}
}
