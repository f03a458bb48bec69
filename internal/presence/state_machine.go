package presence

import (
	"context"
	"time"

	"person_location/internal/config"
	"person_location/internal/logging"
)

// Timer is a delayed transition to arm after a state change.
type Timer struct {
	From  string
	To    string
	After time.Duration
}

// Transition is the state machine output for one accepted trigger.
type Transition struct {
	State string
	// ResetHome resets bread crumbs, bearing and direction for an
	// immediate arrival.
	ResetHome bool
	Timer     *Timer
}

// NextState maps the lower-cased previous target state and the trigger's
// Home/Away reading onto the next state. An unknown or empty previous state
// counts as none.
func NextState(old, homeAway string, justStarted bool, cfg config.Config) Transition {
	switch old {
	case StateUnknown, "":
		old = "none"
	}

	if homeAway == StateHome {
		switch {
		case old == "just left" || old == "none" || justStarted || cfg.JustArrived == 0:
			return Transition{State: StateHome, ResetHome: true}
		case old == "home":
			return Transition{State: StateHome}
		case old == "just arrived":
			return Transition{State: StateJustArrived}
		}
		return Transition{
			State: StateJustArrived,
			Timer: &Timer{From: StateJustArrived, To: StateHome, After: cfg.JustArrivedDelay()},
		}
	}

	switch {
	case old != "away" && (old == "none" || justStarted || cfg.JustLeft == 0):
		tr := Transition{State: StateAway}
		if cfg.ExtendedAway != 0 {
			tr.Timer = &Timer{From: StateAway, To: StateExtendedAway, After: cfg.ExtendedAwayDelay()}
		}
		return tr
	case old == "just left" || old == "just arrived":
		return Transition{State: StateJustLeft}
	case old == "extended away":
		return Transition{State: StateExtendedAway}
	case old == "home":
		return Transition{
			State: StateJustLeft,
			Timer: &Timer{From: StateJustLeft, To: StateAway, After: cfg.JustLeftDelay()},
		}
	}
	return Transition{State: StateAway}
}

// forceGeocode reports whether a transition must geocode even without
// movement: arriving from away, or anything during startup.
func forceGeocode(newState, old string, justStarted bool) bool {
	if justStarted {
		return true
	}
	arriving := newState == StateHome || newState == StateJustArrived
	switch old {
	case "away", "extended away", "just left":
		return arriving
	}
	return false
}

// resetHome applies the side effects of arriving home.
func (t *Target) resetHome() {
	t.Attrs.BreadCrumbs = StateHome
	t.Attrs.CompassBearing = ptr(0)
	t.Attrs.Direction = "home"
}

// showZone swaps Away for the reported zone's name when configured.
func (i *Integration) showZone(t *Target, cfg config.Config) {
	if t.State != StateAway || !cfg.ShowZoneWhenAway || t.Attrs.Zone == "" {
		return
	}
	zone, ok := i.zones.Get(t.Attrs.Zone)
	if !ok || zone.Stationary() {
		return
	}
	if zone.FriendlyName != "" {
		t.State = zone.FriendlyName
	}
}

// ScheduleAfter arms a one-shot transition of target from one state to
// another. At fire time the target is looked up again and the change is
// skipped unless it is still in from and has been for at least d.
func (i *Integration) ScheduleAfter(d time.Duration, targetID, from, to string) {
	log := logging.Entity(targetID)
	log.Debug().Str("from", from).Str("to", to).Dur("after", d).Msg("delayed transition scheduled")

	i.timersMu.Lock()
	defer i.timersMu.Unlock()
	if i.closed {
		return
	}
	id := i.nextTimer
	i.nextTimer++
	i.timers[id] = i.sched.CallAt(i.sched.Now().Add(d), func() {
		i.timersMu.Lock()
		delete(i.timers, id)
		i.timersMu.Unlock()
		i.delayedTransition(targetID, from, to, d)
	})
}

func (i *Integration) delayedTransition(targetID, from, to string, d time.Duration) {
	log := logging.Entity(targetID)
	t, ok := i.targets.Get(targetID)
	if !ok {
		log.Warn().Msg("delayed transition for missing target")
		return
	}
	cfg := i.Config()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State != from {
		log.Debug().Str("state", t.State).Str("from", from).Msg("skip delayed transition, state moved on")
		return
	}
	if elapsed := i.sched.Now().Sub(t.LastChanged) + time.Second; elapsed < d {
		log.Debug().Dur("elapsed", elapsed).Dur("needed", d).Msg("skip delayed transition, changed too recently")
		return
	}

	t.State = to
	switch to {
	case StateHome:
		t.resetHome()
	case StateAway:
		i.showZone(t, cfg)
		if cfg.ExtendedAway != 0 {
			i.ScheduleAfter(cfg.ExtendedAwayDelay(), t.EntityID, t.State, StateExtendedAway)
		}
	}
	log.Info().Str("from", from).Str("to", t.State).Msg("delayed transition")
	i.persist(context.Background(), t)
}

// RearmOnRestore re-creates the pending timer implied by a restored state.
func (i *Integration) RearmOnRestore(t *Target) {
	cfg := i.Config()
	switch t.State {
	case StateHome, StateExtendedAway, StateUnknown, "":
	case StateJustLeft:
		i.ScheduleAfter(cfg.JustLeftDelay(), t.EntityID, t.State, StateAway)
	case StateJustArrived:
		i.ScheduleAfter(cfg.JustArrivedDelay(), t.EntityID, t.State, StateHome)
	default:
		if cfg.ExtendedAway != 0 {
			i.ScheduleAfter(cfg.ExtendedAwayDelay(), t.EntityID, t.State, StateExtendedAway)
		}
	}
}
