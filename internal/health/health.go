// Package health tracks the on/off switch and call counters of every
// geocoding and routing provider.
package health

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"person_location/internal/logging"
	"person_location/internal/metrics"
)

// Provider ids.
const (
	GoogleMaps    = "google_maps"
	Mapbox        = "mapbox"
	MapQuest      = "mapquest"
	OpenStreetMap = "open_street_map"
	Radar         = "radar"
	Waze          = "waze"
)

// AllProviders lists every provider with a switch.
var AllProviders = []string{GoogleMaps, Mapbox, MapQuest, OpenStreetMap, Radar, Waze}

// ConsecutiveFailureLimit trips the breaker once exceeded.
const ConsecutiveFailureLimit = 10

var (
	ErrNoKey   = errors.New("api key not configured")
	ErrUnknown = errors.New("unknown provider")
)

// Record is a point-in-time copy of one provider's health.
type Record struct {
	ID           string `json:"provider_id"`
	Enabled      bool   `json:"enabled"`
	SuccessCount int    `json:"success_count"`
	ErrorCount   int    `json:"error_count"`
	LastError    string `json:"last_error,omitempty"`
	// Issue is set while the provider is disabled by an error and cleared
	// by the next success.
	Issue string `json:"issue,omitempty"`
}

// SwitchEntityID names the switch entity that mirrors this record.
func (r Record) SwitchEntityID() string {
	return "switch.api_" + r.ID
}

// DisplayName turns open_street_map into "Open Street Map".
func DisplayName(id string) string {
	parts := strings.Split(id, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

type provider struct {
	rec Record
	cb  *gobreaker.CircuitBreaker[struct{}]
}

// Tracker holds one record per provider with a configured key.
type Tracker struct {
	mu        sync.Mutex
	providers map[string]*provider
	onChange  func(Record)
}

// New creates records for every provider in configured.
func New(configured []string) *Tracker {
	t := &Tracker{providers: make(map[string]*provider)}
	for _, id := range configured {
		t.providers[id] = &provider{
			rec: Record{ID: id, Enabled: true},
			cb:  newBreaker(id),
		}
		metrics.ProviderEnabled.WithLabelValues(id).Set(1)
	}
	return t
}

// OnChange registers a callback fired after every mutation, outside the lock.
func (t *Tracker) OnChange(fn func(Record)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func newBreaker(id string) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > ConsecutiveFailureLimit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("provider breaker state change")
		},
	})
}

// Has reports whether the provider has a record.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.providers[id]
	return ok
}

// IsEnabled is false for unknown providers.
func (t *Tracker) IsEnabled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.providers[id]
	return ok && p.rec.Enabled
}

// RecordSuccess counts a success and re-enables the provider.
func (t *Tracker) RecordSuccess(id string) bool {
	t.mu.Lock()
	p, ok := t.providers[id]
	if !ok {
		t.mu.Unlock()
		logging.Warn().Str("provider", id).Msg("record success for unknown provider")
		return false
	}
	_, _ = p.cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	p.rec.Enabled = true
	p.rec.Issue = ""
	p.rec.SuccessCount++
	rec := p.rec
	fn := t.onChange
	t.mu.Unlock()

	metrics.ProviderCalls.WithLabelValues(id, "success").Inc()
	metrics.ProviderEnabled.WithLabelValues(id).Set(1)
	if fn != nil {
		fn(rec)
	}
	return true
}

// RecordError counts a failure. turnOff disables the provider immediately;
// otherwise it is disabled once the breaker trips.
func (t *Tracker) RecordError(id, msg string, turnOff bool) bool {
	t.mu.Lock()
	p, ok := t.providers[id]
	if !ok {
		t.mu.Unlock()
		logging.Warn().Str("provider", id).Msg("record error for unknown provider")
		return false
	}
	failure := errors.New(msg)
	_, _ = p.cb.Execute(func() (struct{}, error) { return struct{}{}, failure })
	if p.cb.State() == gobreaker.StateOpen {
		turnOff = true
	}
	p.rec.ErrorCount++
	p.rec.LastError = msg
	if turnOff && p.rec.Enabled {
		p.rec.Enabled = false
		p.rec.Issue = DisplayName(id) + " disabled: " + msg
		logging.Warn().Str("provider", id).Str("error", msg).Msg("provider switch disabled")
	}
	rec := p.rec
	fn := t.onChange
	t.mu.Unlock()

	metrics.ProviderCalls.WithLabelValues(id, "error").Inc()
	if !rec.Enabled {
		metrics.ProviderEnabled.WithLabelValues(id).Set(0)
	}
	if fn != nil {
		fn(rec)
	}
	return true
}

// Enable turns the provider on and resets its breaker.
func (t *Tracker) Enable(id string) error {
	t.mu.Lock()
	p, ok := t.providers[id]
	if !ok {
		t.mu.Unlock()
		logging.Info().Str("provider", id).Msg("cannot enable provider, api key not configured")
		return ErrNoKey
	}
	p.rec.Enabled = true
	p.cb = newBreaker(id)
	rec := p.rec
	fn := t.onChange
	t.mu.Unlock()

	metrics.ProviderEnabled.WithLabelValues(id).Set(1)
	if fn != nil {
		fn(rec)
	}
	return nil
}

// Disable turns the provider off.
func (t *Tracker) Disable(id string) error {
	t.mu.Lock()
	p, ok := t.providers[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknown
	}
	p.rec.Enabled = false
	rec := p.rec
	fn := t.onChange
	t.mu.Unlock()

	metrics.ProviderEnabled.WithLabelValues(id).Set(0)
	if fn != nil {
		fn(rec)
	}
	return nil
}

// Get returns a copy of one record.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.providers[id]
	if !ok {
		return Record{}, false
	}
	return p.rec, true
}

// Snapshot returns every record sorted by id.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.providers))
	for _, p := range t.providers {
		out = append(out, p.rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore overlays persisted counters onto existing records.
func (t *Tracker) Restore(recs []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range recs {
		p, ok := t.providers[r.ID]
		if !ok {
			continue
		}
		p.rec.SuccessCount = r.SuccessCount
		p.rec.ErrorCount = r.ErrorCount
		p.rec.LastError = r.LastError
		p.rec.Enabled = r.Enabled
		p.rec.Issue = r.Issue
	}
}
