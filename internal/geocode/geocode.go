// Package geocode holds one reverse-geocoding client per vendor. Each client
// normalises its vendor payload into a Result and reports failures as
// *APIError so callers can tell auth problems from transient ones.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"person_location/internal/apiclient"
	"person_location/internal/health"
)

// Fetcher is the subset of apiclient.Client the vendors need.
type Fetcher interface {
	Do(ctx context.Context, method, url string, body any, headers map[string]string) apiclient.Response
}

// Result is a normalised reverse-geocode answer.
type Result struct {
	Locality         string
	CountryCode      string
	State            string
	FormattedAddress string
	Attribution      string
}

// Provider reverse-geocodes a coordinate pair.
type Provider interface {
	// ID matches the health tracker provider id.
	ID() string
	// AttributeKey is the target attribute that stores the formatted address.
	AttributeKey() string
	// Attribution is the static credit line; some vendors override it per
	// response through Result.Attribution.
	Attribution() string
	ReverseGeocode(ctx context.Context, lat, lon float64) (Result, error)
}

// APIError is a vendor failure.
type APIError struct {
	Provider string
	Status   int
	Message  string
	// Auth marks credential failures that should switch the provider off.
	Auth bool
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsAuth reports whether err is an auth failure.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Auth
}

// AttributeKeys maps a provider id onto the target attribute holding its
// formatted address.
var AttributeKeys = map[string]string{
	health.Radar:         "Radar",
	health.OpenStreetMap: "Open_Street_Map",
	health.GoogleMaps:    "Google_Maps",
	health.MapQuest:      "MapQuest",
}

// localityPriority is finest first.
var localityPriority = []string{
	"suburb", "hamlet", "village", "town", "city_district", "municipality", "city",
	"county",
	"state_district", "state",
	"country",
}

// UnknownLocality stands in when no provider names a locality.
const UnknownLocality = "?"

// PickLocality returns the finest non-empty name in fields, or UnknownLocality.
func PickLocality(fields map[string]string) string {
	for _, k := range localityPriority {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return UnknownLocality
}

// Call runs p and records the outcome on the tracker.
func Call(ctx context.Context, p Provider, tracker *health.Tracker, lat, lon float64) (Result, error) {
	res, err := p.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		tracker.RecordError(p.ID(), err.Error(), IsAuth(err))
		return Result{}, err
	}
	tracker.RecordSuccess(p.ID())
	if res.Attribution == "" {
		res.Attribution = p.Attribution()
	}
	return res, nil
}

// httpFailure turns a failed envelope into an APIError.
func httpFailure(provider string, resp apiclient.Response) *APIError {
	msg := resp.Error
	if msg == "" {
		msg = fmt.Sprintf("HTTP status: %d", resp.Status)
	}
	return &APIError{Provider: provider, Status: resp.Status, Message: msg, Auth: resp.AuthFailed()}
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func quote(s string) string {
	return `"` + s + `"`
}
