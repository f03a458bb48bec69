// Package sensors publishes the companion sensors requested through
// create_sensors. Each sensor is a sensor.<target>_<attribute> entity whose
// state is one target attribute, with a few related attributes alongside.
package sensors

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"person_location/internal/config"
	"person_location/internal/geocode"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/logging"
	"person_location/internal/presence"
)

// Geocoded is the create_sensors entry that enables one sensor per provider
// address.
const Geocoded = "geocoded"

type bundle struct {
	extra []string
	unit  string
}

var bundles = map[string]bundle{
	"altitude":         {extra: []string{"vertical_accuracy", "icon"}, unit: "m"},
	"bread_crumbs":     {extra: []string{"icon"}},
	"direction":        {extra: []string{"icon"}},
	"driving_miles":    {extra: []string{"driving_minutes", "meters_from_home", "miles_from_home", "icon"}, unit: "mi"},
	"driving_minutes":  {extra: []string{"driving_miles", "meters_from_home", "miles_from_home", "icon"}, unit: "min"},
	"latitude":         {extra: []string{"gps_accuracy", "icon"}},
	"longitude":        {extra: []string{"gps_accuracy", "icon"}},
	"meters_from_home": {extra: []string{"miles_from_home", "driving_miles", "driving_minutes", "icon"}, unit: "m"},
	"miles_from_home":  {extra: []string{"meters_from_home", "driving_miles", "driving_minutes", "icon"}, unit: "mi"},
}

var geocodedExtra = []string{"compass_bearing", "latitude", "longitude", "source_type", "gps_accuracy", "icon", "locality"}

// Publisher writes companion sensors into the state store. It implements
// presence.SensorSink.
type Publisher struct {
	states *host.States
	config func() config.Config

	mu sync.Mutex
	// owned maps sensor entity ids to the create_sensors entry behind them.
	owned map[string]string
}

func New(states *host.States, cfg func() config.Config) *Publisher {
	return &Publisher{states: states, config: cfg, owned: make(map[string]string)}
}

// Update refreshes every requested sensor of one target.
func (p *Publisher) Update(v presence.View) {
	cfg := p.config()
	for _, name := range cfg.CreateSensors {
		if name == Geocoded {
			for _, key := range providerKeys() {
				if addr, ok := v.Attributes[key]; ok {
					p.publish(v, Geocoded, key, addr, geocodedExtra, "")
				}
			}
			continue
		}
		value, ok := v.Attributes[name]
		if !ok {
			continue
		}
		if name == "altitude" && (isZero(value) || isZero(v.Attributes["vertical_accuracy"])) {
			continue
		}
		b, ok := bundles[name]
		if !ok {
			continue
		}
		p.publish(v, name, name, value, b.extra, b.unit)
	}
}

func (p *Publisher) publish(v presence.View, entry, suffix string, value any, extra []string, unit string) {
	entityID := v.EntityID + "_" + strings.ToLower(suffix)
	attrs := map[string]any{
		"friendly_name": health.DisplayName(strings.ToLower(suffix)),
		"person_name":   v.PersonName,
	}
	for _, k := range extra {
		if x, ok := v.Attributes[k]; ok {
			attrs[k] = x
		}
	}
	if unit != "" {
		attrs["unit_of_measurement"] = unit
	}
	if entry == Geocoded {
		if lt, ok := v.Attributes["location_time"].(string); ok && len(lt) >= 19 {
			attrs["location_time"] = lt[:19]
		}
	}

	p.mu.Lock()
	_, known := p.owned[entityID]
	p.owned[entityID] = entry
	p.mu.Unlock()
	if !known {
		logging.Entity(entityID).Debug().Str("target", v.EntityID).Msg("companion sensor created")
	}
	p.states.Set(entityID, stateString(value), attrs)
}

// Prune removes sensors whose create_sensors entry is no longer configured
// and returns their entity ids.
func (p *Publisher) Prune() []string {
	cfg := p.config()
	p.mu.Lock()
	var removed []string
	for entityID, entry := range p.owned {
		if cfg.WantsSensor(entry) {
			continue
		}
		delete(p.owned, entityID)
		removed = append(removed, entityID)
	}
	p.mu.Unlock()

	sort.Strings(removed)
	for _, entityID := range removed {
		p.states.Remove(entityID)
		logging.Entity(entityID).Info().Msg("companion sensor removed")
	}
	return removed
}

// Owned lists the sensors published so far.
func (p *Publisher) Owned() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.owned))
	for entityID := range p.owned {
		out = append(out, entityID)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

func providerKeys() []string {
	keys := make([]string, 0, len(geocode.AttributeKeys))
	for _, k := range geocode.AttributeKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isZero(v any) bool {
	switch n := v.(type) {
	case nil:
		return true
	case float64:
		return n == 0
	case int:
		return n == 0
	}
	return false
}

func stateString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
