package presence

import (
	"strings"
	"time"

	"person_location/internal/config"
	"person_location/internal/host"
)

// Decision reasons, also used as the triggers metric label.
const (
	ReasonSelfUpdate     = "self_update"
	ReasonAccuracy       = "gps_accuracy"
	ReasonUnavailable    = "unavailable"
	ReasonStale          = "stale"
	ReasonFirstUpdate    = "first_update"
	ReasonZoneChange     = "zone_change"
	ReasonFollowing      = "following"
	ReasonHasCoordinates = "has_coordinates"
	ReasonBetterAccuracy = "better_accuracy"
	ReasonStartupGPS     = "startup_gps"
	ReasonHomeAwayChange = "home_away_change"
	ReasonNotBetter      = "ignored"
)

// maxAcceptedGPSAccuracy is exclusive; zero accuracy is also rejected.
const maxAcceptedGPSAccuracy = 100

// Decision is the arbitration verdict for one trigger.
type Decision struct {
	Accept bool
	Reason string
}

func reject(reason string) Decision { return Decision{Reason: reason} }
func accept(reason string) Decision { return Decision{Accept: true, Reason: reason} }

// Screen applies the checks that need no target: the self-update guard and
// the accuracy window.
func Screen(tr Trigger) Decision {
	if tr.EntityID == tr.TargetName {
		return reject(ReasonSelfUpdate)
	}
	if acc, ok := tr.float("gps_accuracy"); ok && (acc == 0 || acc >= maxAcceptedGPSAccuracy) {
		return reject(ReasonAccuracy)
	}
	return Decision{Accept: true}
}

// DecideAccept decides whether tr should update t. The caller holds the
// target lock.
func DecideAccept(tr Trigger, t *Target, justStarted bool) Decision {
	if d := Screen(tr); !d.Accept {
		return d
	}
	switch tr.ToState {
	case "NotSet", "unavailable", "unknown":
		return reject(ReasonUnavailable)
	}
	if tr.LocationTime.Before(t.locationTime()) {
		return reject(ReasonStale)
	}

	old := strings.ToLower(t.State)
	if old == StateUnknown {
		return accept(ReasonFirstUpdate)
	}

	if tr.SourceType != "gps" {
		if tr.ToState != tr.FromState && (tr.HomeAway == StateHome) != (old == "home") {
			return accept(ReasonHomeAwayChange)
		}
		return reject(ReasonNotBetter)
	}

	a := t.Attrs
	switch {
	case tr.ToState != tr.FromState:
		return accept(ReasonZoneChange)
	case a.Source == "" || a.Source == tr.EntityID || a.ReportedState == "":
		return accept(ReasonFollowing)
	case tr.HasCoordinates() && a.Latitude == nil && a.Longitude == nil:
		return accept(ReasonHasCoordinates)
	case tr.State == a.ReportedState:
		if acc, ok := tr.float("gps_accuracy"); ok && (a.GPSAccuracy == nil || acc < *a.GPSAccuracy) {
			return accept(ReasonBetterAccuracy)
		}
		return reject(ReasonNotBetter)
	case justStarted && tr.HasCoordinates():
		return accept(ReasonStartupGPS)
	}
	return reject(ReasonNotBetter)
}

// locationTime is the time of the fix the target currently shows.
func (t *Target) locationTime() time.Time {
	if t.Attrs.LocationTime != "" {
		if lt, err := time.ParseInLocation(locationTimeLayout, t.Attrs.LocationTime, time.Local); err == nil {
			return lt
		}
	}
	return t.LastUpdated.In(time.Local)
}

// ZoneLookup resolves zones by id.
type ZoneLookup interface {
	Get(id string) (host.Zone, bool)
}

// ApplyTrigger copies an accepted trigger onto t. The caller holds the
// target lock.
func ApplyTrigger(tr Trigger, t *Target, home config.Home, zones ZoneLookup) {
	a := &t.Attrs

	a.SourceType = tr.attr("source_type")
	if tr.HasCoordinates() {
		lat, _ := tr.float("latitude")
		lon, _ := tr.float("longitude")
		a.Latitude, a.Longitude = ptr(lat), ptr(lon)
	} else {
		a.Latitude, a.Longitude = nil, nil
	}
	a.GPSAccuracy = optional(tr, "gps_accuracy")
	a.Altitude = optional(tr, "altitude")
	if a.Altitude != nil {
		a.Altitude = ptr(round(*a.Altitude, 0))
	}
	a.VerticalAccuracy = optional(tr, "vertical_accuracy")
	a.EntityPicture = tr.attr("entity_picture")
	a.Speed = optional(tr, "speed")

	a.Source = tr.EntityID
	a.ReportedState = tr.State
	a.PersonName = capWords(tr.PersonName)
	a.LocationTime = tr.LocationTime.Format(locationTimeLayout)

	zoneID := tr.attr("zone")
	if zoneID == "" {
		zoneID = strings.NewReplacer(" ", "_", "'", "_").Replace(strings.ToLower(tr.State))
	}
	a.Icon = defaultIcon
	if zone, ok := zones.Get(zoneID); ok && !zone.Stationary() && zone.Icon != "" {
		a.Icon = zone.Icon
	}
	a.Zone = zoneID

	if zoneID == "home" {
		a.Latitude, a.Longitude = ptr(home.Latitude), ptr(home.Longitude)
	}
}

func optional(tr Trigger, key string) *float64 {
	if v, ok := tr.float(key); ok {
		return ptr(v)
	}
	return nil
}
