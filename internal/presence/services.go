package presence

import (
	"context"
	"strings"

	"person_location/internal/config"
	"person_location/internal/host"
	"person_location/internal/logging"
	"person_location/internal/metrics"
)

func (i *Integration) registerServices() {
	i.services.Register(ServiceProcessTrigger, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return nil, i.ProcessTrigger(ctx, str(data, "entity_id", ""), str(data, "from_state", "NONE"), str(data, "to_state", "NONE"))
	})
	i.services.Register(ServiceReverseGeocode, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		force, _ := data["force_update"].(bool)
		return nil, i.ReverseGeocode(ctx, str(data, "entity_id", ""), str(data, "friendly_name_template", TemplateNone), force)
	})
	i.services.Register(ServiceGeocodeAPIOn, func(context.Context, map[string]any) (map[string]any, error) {
		i.SetAPIEnabled(true)
		return nil, nil
	})
	i.services.Register(ServiceGeocodeAPIOff, func(context.Context, map[string]any) (map[string]any, error) {
		i.SetAPIEnabled(false)
		return nil, nil
	})
}

func str(data map[string]any, key, def string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ProcessTrigger considers the current state of entityID for its person's
// target and, when accepted, moves the target through the state machine and
// requests a reverse geocode.
func (i *Integration) ProcessTrigger(ctx context.Context, entityID, from, to string) error {
	if entityID == "" {
		return ErrMissingEntity
	}
	cfg := i.Config()
	justStarted := i.startup.Load()

	st, found := i.states.Get(entityID)
	if !found {
		st.EntityID = entityID
	}
	tr := NewTrigger(st, found, from, to, cfg, i.states, i.sched.Now())
	log := logging.Entity(entityID)
	log.Debug().Str("from", from).Str("to", to).Str("target", tr.TargetName).Bool("startup", justStarted).Msg("trigger received")

	if d := Screen(tr); !d.Accept {
		metrics.Triggers.WithLabelValues(d.Reason).Inc()
		log.Debug().Str("reason", d.Reason).Msg("trigger rejected")
		return nil
	}

	t, created := i.targets.GetOrCreate(tr.TargetName, tr.PersonName)
	if created {
		log.Info().Str("target", t.EntityID).Msg("target created")
	}
	geocodeNow, force := i.arbitrate(ctx, tr, t, cfg, justStarted)
	if geocodeNow {
		i.requestGeocode(t.EntityID, cfg.FriendlyNameTemplate, force)
	}
	return nil
}

// arbitrate runs under the target lock and reports whether a geocode should
// follow.
func (i *Integration) arbitrate(ctx context.Context, tr Trigger, t *Target, cfg config.Config, justStarted bool) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	log := logging.Entity(tr.EntityID)

	t.Info.TriggerCount++
	d := DecideAccept(tr, t, justStarted)
	metrics.Triggers.WithLabelValues(d.Reason).Inc()

	if d.Reason == ReasonUnavailable {
		if t.Attrs.Source == tr.EntityID {
			log.Debug().Str("target", t.EntityID).Msg("removing unavailable source from target")
			t.Attrs.Source = ""
			i.persist(ctx, t)
		}
		return false, false
	}
	if !d.Accept {
		log.Debug().Str("reason", d.Reason).Str("target", t.EntityID).Msg("trigger ignored")
		return false, false
	}

	ApplyTrigger(tr, t, cfg.Home, i.zones)

	old := strings.ToLower(t.State)
	next := NextState(old, tr.HomeAway, justStarted, cfg)
	t.State = next.State
	if next.ResetHome {
		t.resetHome()
	}
	i.showZone(t, cfg)
	if justStarted {
		t.Attrs.BreadCrumbs = t.State
	}
	if next.Timer != nil {
		from := next.Timer.From
		if from == StateAway {
			from = t.State
		}
		i.ScheduleAfter(next.Timer.After, t.EntityID, from, next.Timer.To)
	}

	log.Info().
		Str("reason", d.Reason).
		Str("target", t.EntityID).
		Str("from", old).
		Str("to", t.State).
		Msg("trigger accepted")
	i.persist(ctx, t)
	return true, forceGeocode(next.State, old, justStarted)
}

func (i *Integration) requestGeocode(entityID, template string, force bool) {
	i.dispatch("geocode", entityID, func(ctx context.Context) error {
		return i.ReverseGeocode(ctx, entityID, template, force)
	})
}

// RegeocodeAll re-renders every target that has been geocoded before, used
// after the friendly name template changes.
func (i *Integration) RegeocodeAll(template string) int {
	n := 0
	for _, t := range i.targets.All() {
		t.mu.Lock()
		count := t.Info.GeocodeCount
		t.mu.Unlock()
		if count == 0 {
			continue
		}
		i.requestGeocode(t.EntityID, template, false)
		n++
	}
	return n
}

// sourceState resolves the entity a target follows for templating, going
// one level further when that source is itself a person.
func (i *Integration) sourceState(t *Target) (string, host.State) {
	src := t.Attrs.Source
	if !strings.Contains(src, ".") {
		return t.EntityID, host.State{EntityID: t.EntityID, State: t.State, Attributes: t.Attrs.ToMap()}
	}
	st, ok := i.states.Get(src)
	if !ok {
		return src, host.State{EntityID: src}
	}
	if inner := st.Attr("source"); strings.Contains(inner, ".") {
		if innerState, ok := i.states.Get(inner); ok {
			return inner, innerState
		}
		return inner, host.State{EntityID: inner}
	}
	return src, st
}
