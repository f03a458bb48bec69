// Package distance resolves driving distance and duration from a position
// back to home through one configured routing source.
package distance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"person_location/internal/apiclient"
	"person_location/internal/health"
	"person_location/internal/logging"
)

// Routing sources.
const (
	SourceNone       = "none"
	SourceWaze       = "waze"
	SourceRadar      = health.Radar
	SourceGoogleMaps = health.GoogleMaps
	SourceMapbox     = health.Mapbox
)

const (
	// MinMetersFromHome is the distance below which routing is skipped.
	MinMetersFromHome = 500
	metersPerMile     = 1609.34

	// WazeService is the host service tried before the direct Waze client.
	WazeService     = "waze_travel_time.get_travel_times"
	WazeAttribution = `"Data by Waze App. https://waze.com"; `
)

var (
	ErrNoRoute          = errors.New("no route returned")
	ErrProviderDisabled = errors.New("routing provider disabled")
	ErrNoKey            = errors.New("routing provider key not configured")
	// ErrWaze is returned when every Waze tier failed.
	ErrWaze = errors.New("waze routing failed")
)

// Fetcher is the subset of apiclient.Client the routing clients need.
type Fetcher interface {
	Do(ctx context.Context, method, url string, body any, headers map[string]string) apiclient.Response
}

// ServiceCaller reaches the host service registry.
type ServiceCaller interface {
	Has(name string) bool
	Call(ctx context.Context, name string, data map[string]any) (map[string]any, error)
}

// Request describes one resolution.
type Request struct {
	EntityID       string
	Source         string
	Latitude       float64
	Longitude      float64
	HomeLatitude   float64
	HomeLongitude  float64
	CountryCode    string
	MilesFromHome  float64
	MetersFromHome float64
}

// Route holds the attribute values to store. Empty fields leave the target
// untouched.
type Route struct {
	DrivingMiles   string
	DrivingMinutes string
	Attribution    string
}

// leg is a raw routing answer.
type leg struct {
	Minutes float64
	Meters  float64
}

// Resolver picks the configured routing source and formats its answer.
type Resolver struct {
	Client   Fetcher
	Tracker  *health.Tracker
	Services ServiceCaller
	Keys     map[string]string
	// BaseURLs overrides vendor endpoints by source id.
	BaseURLs map[string]string

	unknown sync.Map
}

// Resolve routes req back home. On ErrWaze the returned Route still carries
// the straight-line fallback for driving miles.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Route, error) {
	log := logging.Entity(req.EntityID)
	switch req.Source {
	case "", SourceNone:
		return Route{}, nil
	case SourceWaze, SourceRadar, SourceGoogleMaps, SourceMapbox:
	default:
		if _, seen := r.unknown.LoadOrStore(req.Source, true); !seen {
			log.Warn().Str("source", req.Source).Msg("distance source not handled")
		}
		return Route{}, nil
	}

	if req.MetersFromHome < MinMetersFromHome {
		return Route{DrivingMiles: formatNumber(req.MilesFromHome), DrivingMinutes: "0"}, nil
	}

	var (
		l           leg
		err         error
		attribution string
	)
	switch req.Source {
	case SourceWaze:
		l, err = r.waze(ctx, req)
		if errors.Is(err, ErrProviderDisabled) {
			return Route{}, err
		}
		if err != nil {
			log.Error().Err(err).Msg("waze routing failed on every tier")
			return Route{DrivingMiles: formatNumber(req.MilesFromHome)}, fmt.Errorf("%w: %v", ErrWaze, err)
		}
		attribution = WazeAttribution
	case SourceRadar:
		l, err = r.viaVendor(ctx, req, r.radar)
	case SourceGoogleMaps:
		l, err = r.viaVendor(ctx, req, r.google)
	case SourceMapbox:
		l, err = r.viaVendor(ctx, req, r.mapbox)
	}
	if err != nil {
		return Route{}, err
	}

	route := Route{
		DrivingMiles:   FormatMiles(l.Meters/metersPerMile, req.MilesFromHome),
		DrivingMinutes: formatNumber(round(l.Minutes, 1)),
		Attribution:    attribution,
	}
	log.Debug().Str("source", req.Source).Str("miles", route.DrivingMiles).Str("minutes", route.DrivingMinutes).Msg("route resolved")
	return route, nil
}

type vendorFunc func(ctx context.Context, key string, req Request) (leg, error)

func (r *Resolver) viaVendor(ctx context.Context, req Request, fn vendorFunc) (leg, error) {
	key := r.Keys[req.Source]
	if key == "" || key == "not used" {
		return leg{}, fmt.Errorf("%s: %w", req.Source, ErrNoKey)
	}
	if r.Tracker != nil && !r.Tracker.IsEnabled(req.Source) {
		return leg{}, fmt.Errorf("%s: %w", req.Source, ErrProviderDisabled)
	}
	l, err := fn(ctx, key, req)
	if r.Tracker != nil {
		if err != nil {
			var vErr *vendorError
			auth := errors.As(err, &vErr) && vErr.auth
			r.Tracker.RecordError(req.Source, err.Error(), auth)
		} else {
			r.Tracker.RecordSuccess(req.Source)
		}
	}
	return l, err
}

// FormatMiles applies the display ladder; a non-positive route falls back to
// the straight-line distance.
func FormatMiles(miles, straightLine float64) string {
	switch {
	case miles <= 0:
		return formatNumber(straightLine)
	case miles >= 100:
		return formatNumber(round(miles, 0))
	case miles >= 10:
		return formatNumber(round(miles, 1))
	default:
		return formatNumber(round(miles, 2))
	}
}

// WazeRegion maps a country code onto a Waze routing region.
func WazeRegion(countryCode string) string {
	switch strings.ToUpper(countryCode) {
	case "US", "CA", "MX":
		return "us"
	case "IL":
		return "il"
	case "AU":
		return "au"
	}
	return "eu"
}

type vendorError struct {
	source string
	status int
	msg    string
	auth   bool
}

func (e *vendorError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.source, e.msg, e.status)
	}
	return e.source + ": " + e.msg
}

func failure(source string, resp apiclient.Response) error {
	msg := resp.Error
	if msg == "" {
		msg = fmt.Sprintf("HTTP status: %d", resp.Status)
	}
	return &vendorError{source: source, status: resp.Status, msg: msg, auth: resp.AuthFailed()}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func baseURL(overrides map[string]string, source, def string) string {
	if u := overrides[source]; u != "" {
		return strings.TrimRight(u, "/")
	}
	return def
}
