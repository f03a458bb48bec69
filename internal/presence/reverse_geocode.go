package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"person_location/internal/config"
	"person_location/internal/distance"
	"person_location/internal/geocode"
	"person_location/internal/logging"
	"person_location/internal/metrics"
)

// ReverseGeocode refreshes the location attributes of a target: distance and
// bearing from the last geocoded fix, provider addresses, driving distance,
// bread crumbs and the friendly name. template "NONE" skips the friendly
// name. Unexpected failures are counted, never returned.
func (i *Integration) ReverseGeocode(ctx context.Context, entityID, template string, force bool) error {
	if entityID == "" {
		return ErrMissingEntity
	}
	log := logging.Entity(entityID)

	i.mu.Lock()
	defer i.mu.Unlock()
	defer i.publish()

	if !i.APIEnabled() {
		i.count(func(c *Counters) { c.APICallsSkipped++ })
		metrics.APICalls.WithLabelValues("skipped").Inc()
		log.Debug().Msg("geocode api paused, call skipped")
		return nil
	}

	if err := i.throttle(ctx, entityID); err != nil {
		return err
	}

	t, ok := i.targets.Get(entityID)
	if !ok {
		log.Warn().Msg("reverse geocode for unknown target")
		return fmt.Errorf("%s: %w", entityID, ErrNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := i.geocodeTarget(ctx, t, template, force); err != nil {
		i.count(func(c *Counters) { c.APIExceptionCount++ })
		metrics.APIExceptions.Inc()
		log.Error().Err(err).Msg("reverse geocode failed")
	}
	return nil
}

// throttle keeps geocode cycles at least one interval apart. The caller
// holds the integration lock.
func (i *Integration) throttle(ctx context.Context, entityID string) error {
	now := i.sched.Now()
	r := i.limiter.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		i.count(func(c *Counters) { c.APICallsThrottled++ })
		metrics.APICalls.WithLabelValues("throttled").Inc()
		metrics.ThrottleWait.Observe(wait.Seconds())
		logging.Entity(entityID).Debug().Dur("wait", wait).Msg("geocode throttled")
		if err := i.sleep(ctx, wait); err != nil {
			r.CancelAt(now)
			return err
		}
	}
	i.count(func(c *Counters) {
		c.APICallsRequested++
		c.TargetCalls[entityID]++
		c.APILastUpdated = i.sched.Now()
	})
	metrics.APICalls.WithLabelValues("requested").Inc()
	return nil
}

func (i *Integration) geocodeTarget(ctx context.Context, t *Target, template string, force bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	log := logging.Entity(t.EntityID)
	cfg := i.Config()
	a := &t.Attrs
	a.Attribution = ""

	hasNew := a.Latitude != nil && a.Longitude != nil
	hasOld := t.Info.LocationLatitude != nil && t.Info.LocationLongitude != nil

	var traveled, oldFromHome, bearing float64
	if hasNew && hasOld {
		oldLat, oldLon := *t.Info.LocationLatitude, *t.Info.LocationLongitude
		traveled = round(haversineMeters(*a.Latitude, *a.Longitude, oldLat, oldLon), 3)
		oldFromHome = round(haversineMeters(oldLat, oldLon, cfg.Home.Latitude, cfg.Home.Longitude), 3)
		bearing = round(initialBearing(oldLat, oldLon, *a.Latitude, *a.Longitude), 1)
	}
	a.CompassBearing = ptr(bearing)

	var fixTime time.Time
	if hasNew {
		fixTime = i.move(t, cfg, traveled, oldFromHome)
	}

	switch {
	case !hasNew:
		log.Debug().Msg("skip providers, coordinates missing")
	case traveled < minMetersToGeocode && hasOld && !force:
		log.Debug().Float64("meters", traveled).Msg("skip providers, not far enough")
	default:
		i.locate(ctx, t, cfg, fixTime)
	}

	crumb, location := i.crumbFor(t)
	a.BreadCrumbs = AppendCrumb(a.BreadCrumbs, crumb)

	if template != "" && template != TemplateNone {
		sourceID, source := i.sourceState(t)
		vars := templateVars(location, a.PersonName, sourceID, source, t.view())
		name, err := RenderFriendlyName(template, vars)
		if err != nil {
			log.Error().Err(err).Msg("friendly name template failed, keeping previous name")
		} else {
			a.FriendlyName = name
		}
	}

	i.persist(ctx, t)
	if i.sensors != nil {
		i.sensors.Update(t.view())
	}
	return nil
}

// move sets speed, distance from home and direction from the delta to the
// last geocoded fix, and returns the time of the new fix. Speed is measured
// over the time since that fix.
func (i *Integration) move(t *Target, cfg config.Config, traveled, oldFromHome float64) time.Time {
	a := &t.Attrs
	newTime := i.sched.Now()
	if a.LocationTime != "" {
		if lt, err := time.ParseInLocation(locationTimeLayout, a.LocationTime, time.Local); err == nil {
			newTime = lt
		}
	}
	oldTime := newTime
	if t.Info.ReverseGeocodeLocationTime != "" {
		if lt, err := time.ParseInLocation(locationTimeLayout, t.Info.ReverseGeocodeLocationTime, time.Local); err == nil {
			oldTime = lt
		}
	}
	var speed float64
	if elapsed := newTime.Sub(oldTime).Seconds(); elapsed > 0 {
		speed = traveled / elapsed
	}
	a.Speed = ptr(round(speed, 1))

	var fromHome float64
	if strings.ToLower(a.ReportedState) != "home" {
		fromHome = round(haversineMeters(*a.Latitude, *a.Longitude, cfg.Home.Latitude, cfg.Home.Longitude), 3)
	}
	a.MetersFromHome = ptr(round(fromHome, 1))
	a.MilesFromHome = ptr(round(fromHome/metersPerMile, 1))
	a.Direction = direction(fromHome, oldFromHome, speed)
	return newTime
}

// locate calls every enabled provider and resolves the driving route. The
// caller holds both locks.
func (i *Integration) locate(ctx context.Context, t *Target, cfg config.Config, fixTime time.Time) {
	log := logging.Entity(t.EntityID)
	a := &t.Attrs
	lat, lon := *a.Latitude, *a.Longitude

	locality := geocode.UnknownLocality
	for _, p := range i.geocoders {
		key := p.AttributeKey()
		if !i.tracker.IsEnabled(p.ID()) {
			delete(a.Geocoded, key)
			continue
		}
		res, err := geocode.Call(ctx, p, i.tracker, lat, lon)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.ID()).Msg("reverse geocode provider failed")
			continue
		}
		if res.Locality != "" && res.Locality != geocode.UnknownLocality {
			locality = res.Locality
		}
		if res.CountryCode != "" {
			i.country = res.CountryCode
		}
		if a.Geocoded == nil {
			a.Geocoded = make(map[string]string)
		}
		addr := res.FormattedAddress
		if addr == "" {
			addr = locality
		}
		a.Geocoded[key] = addr
		if res.Attribution != "" {
			a.Attribution += res.Attribution + "; "
		}
	}

	a.Locality = locality
	t.Info.Locality = locality
	t.Info.GeocodeCount++
	t.Info.LocationLatitude = ptr(lat)
	t.Info.LocationLongitude = ptr(lon)
	t.Info.ReverseGeocodeLocationTime = fixTime.Format(locationTimeLayout)

	i.route(ctx, t, cfg, lat, lon)
}

func (i *Integration) route(ctx context.Context, t *Target, cfg config.Config, lat, lon float64) {
	if i.resolver == nil {
		return
	}
	a := &t.Attrs
	route, err := i.resolver.Resolve(ctx, distance.Request{
		EntityID:       t.EntityID,
		Source:         cfg.DistanceDurationSource,
		Latitude:       lat,
		Longitude:      lon,
		HomeLatitude:   cfg.Home.Latitude,
		HomeLongitude:  cfg.Home.Longitude,
		CountryCode:    i.country,
		MilesFromHome:  *a.MilesFromHome,
		MetersFromHome: *a.MetersFromHome,
	})
	switch {
	case errors.Is(err, distance.ErrWaze):
		i.count(func(c *Counters) { c.WazeErrorCount++ })
		metrics.WazeErrors.Inc()
	case err != nil:
		logging.Entity(t.EntityID).Warn().Err(err).Str("source", cfg.DistanceDurationSource).Msg("driving distance unavailable")
	}
	if route.DrivingMiles != "" {
		a.DrivingMiles = route.DrivingMiles
	}
	if route.DrivingMinutes != "" {
		a.DrivingMinutes = route.DrivingMinutes
	}
	a.Attribution += route.Attribution
}
