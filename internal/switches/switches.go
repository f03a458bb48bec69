// Package switches mirrors provider health records onto switch.api_<id>
// entities, persists them and serves the turn on/off services.
package switches

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"person_location/internal/events"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/logging"
)

const (
	ServiceTurnOn  = "switch.turn_on"
	ServiceTurnOff = "switch.turn_off"

	entityPrefix = "switch.api_"
)

var ErrNotSwitch = errors.New("not a provider switch")

// Store persists provider records.
type Store interface {
	SaveProvider(ctx context.Context, r health.Record) error
	LoadProviders(ctx context.Context) ([]health.Record, error)
}

// Switches keeps the switch entities in step with the tracker.
type Switches struct {
	tracker  *health.Tracker
	states   *host.States
	services *host.Services
	store    Store
	bus      *events.Bus
}

// New wires the switches. store and bus may be nil.
func New(tracker *health.Tracker, states *host.States, services *host.Services, store Store, bus *events.Bus) *Switches {
	return &Switches{tracker: tracker, states: states, services: services, store: store, bus: bus}
}

// Start restores persisted records, publishes every switch and registers
// the services.
func (s *Switches) Start(ctx context.Context) error {
	if s.store != nil {
		recs, err := s.store.LoadProviders(ctx)
		if err != nil {
			return fmt.Errorf("load providers: %w", err)
		}
		s.tracker.Restore(recs)
	}
	s.tracker.OnChange(s.changed)
	for _, rec := range s.tracker.Snapshot() {
		s.publish(rec)
	}
	s.services.Register(ServiceTurnOn, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return nil, s.Turn(ctx, entityID(data), true)
	})
	s.services.Register(ServiceTurnOff, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return nil, s.Turn(ctx, entityID(data), false)
	})
	return nil
}

// Close unregisters the services.
func (s *Switches) Close() {
	s.tracker.OnChange(nil)
	s.services.Unregister(ServiceTurnOn)
	s.services.Unregister(ServiceTurnOff)
}

// Turn switches a provider on or off by its switch entity id. Turning on a
// provider without a configured key is refused with health.ErrNoKey.
func (s *Switches) Turn(_ context.Context, switchID string, on bool) error {
	id, ok := strings.CutPrefix(switchID, entityPrefix)
	if !ok || id == "" {
		return fmt.Errorf("%s: %w", switchID, ErrNotSwitch)
	}
	if !on {
		return s.tracker.Disable(id)
	}
	if err := s.tracker.Enable(id); err != nil {
		s.logbook(switchID, id, "cannot be enabled because the API Key is not configured")
		return fmt.Errorf("%s: %w", switchID, err)
	}
	return nil
}

func (s *Switches) changed(rec health.Record) {
	s.publish(rec)
	if rec.Issue != "" && !rec.Enabled {
		s.logbook(rec.SwitchEntityID(), rec.ID, rec.LastError)
	}
	if s.store == nil {
		return
	}
	if err := s.store.SaveProvider(context.Background(), rec); err != nil {
		logging.Entity(rec.SwitchEntityID()).Error().Err(err).Msg("save provider failed")
	}
}

func (s *Switches) publish(rec health.Record) {
	state := "off"
	if rec.Enabled {
		state = "on"
	}
	attrs := map[string]any{
		"friendly_name": health.DisplayName(rec.ID),
		"provider_id":   rec.ID,
		"success_count": rec.SuccessCount,
		"error_count":   rec.ErrorCount,
	}
	if rec.LastError != "" {
		attrs["last_error"] = rec.LastError
	}
	if rec.Issue != "" {
		attrs["issue"] = rec.Issue
	}
	s.states.Set(rec.SwitchEntityID(), state, attrs)
}

func (s *Switches) logbook(switchID, id, msg string) {
	logging.Entity(switchID).Warn().Str("provider", id).Msg(msg)
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(events.ProviderChanged, switchID, map[string]any{
		"name":    "API Provider Switch " + health.DisplayName(id),
		"message": msg,
	}))
}

func entityID(data map[string]any) string {
	v, _ := data["entity_id"].(string)
	return v
}
