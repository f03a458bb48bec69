// Package diagnostics assembles the support payload served at
// /ops/diagnostics.
package diagnostics

import (
	"time"

	"person_location/internal/config"
	"person_location/internal/health"
	"person_location/internal/presence"
	"person_location/internal/queue"
)

// TargetSummary is the part of a target worth sharing in a support request.
type TargetSummary struct {
	EntityID     string    `json:"entity_id"`
	PersonName   string    `json:"person_name"`
	State        string    `json:"state"`
	Source       string    `json:"source,omitempty"`
	Locality     string    `json:"locality"`
	GeocodeCount int       `json:"geocode_count"`
	TriggerCount int       `json:"trigger_count"`
	LastChanged  time.Time `json:"last_changed"`
}

// Report is the whole payload. Config has every API key redacted.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Startup     bool              `json:"startup"`
	APIEnabled  bool              `json:"api_enabled"`
	Config      config.Config     `json:"config"`
	Counters    presence.Counters `json:"counters"`
	Providers   []health.Record   `json:"providers"`
	Targets     []TargetSummary   `json:"targets"`
	Queue       *queue.Stats      `json:"queue,omitempty"`
}

// Build snapshots the integration. q may be nil.
func Build(i *presence.Integration, tracker *health.Tracker, q *queue.Queue, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		Startup:     i.Starting(),
		APIEnabled:  i.APIEnabled(),
		Config:      i.Config().Redacted(),
		Counters:    i.Counters(),
		Providers:   tracker.Snapshot(),
		Targets:     []TargetSummary{},
	}
	for _, t := range i.Targets().All() {
		v := t.View()
		source, _ := v.Attributes["source"].(string)
		r.Targets = append(r.Targets, TargetSummary{
			EntityID:     v.EntityID,
			PersonName:   v.PersonName,
			State:        v.State,
			Source:       source,
			Locality:     v.Info.Locality,
			GeocodeCount: v.Info.GeocodeCount,
			TriggerCount: v.Info.TriggerCount,
			LastChanged:  v.LastChanged,
		})
	}
	if q != nil {
		s := q.Stats()
		r.Queue = &s
	}
	return r
}
