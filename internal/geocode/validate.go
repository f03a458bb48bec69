package geocode

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"person_location/internal/health"
)

const mapboxBaseURL = "https://api.mapbox.com"

var osmKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+$`)

// ErrBadKeyFormat is returned for keys rejected before any call is made.
var ErrBadKeyFormat = errors.New("api key has the wrong format")

// HomeInfo is learned while testing a key against the home coordinates.
type HomeInfo struct {
	CountryCode string
	State       string
}

// KeyValidator tests API keys against the home zone.
type KeyValidator struct {
	Client    Fetcher
	Tracker   *health.Tracker
	Language  string
	Region    string
	Latitude  float64
	Longitude float64
	// BaseURLs overrides vendor endpoints by provider id.
	BaseURLs map[string]string
}

// Validate returns whatever home details the vendor revealed. An unused key
// is always valid.
func (v *KeyValidator) Validate(ctx context.Context, provider, key string) (HomeInfo, error) {
	if key == "" || key == "not used" {
		return HomeInfo{}, nil
	}
	base := v.BaseURLs[provider]
	switch provider {
	case health.OpenStreetMap:
		if !osmKeyPattern.MatchString(key) {
			return HomeInfo{}, ErrBadKeyFormat
		}
		return v.viaProvider(ctx, &OpenStreetMap{Key: key, BaseURL: base, Client: v.Client})
	case health.Radar:
		return v.viaProvider(ctx, &Radar{Key: key, BaseURL: base, Client: v.Client})
	case health.GoogleMaps:
		return v.viaProvider(ctx, &GoogleMaps{Key: key, Language: v.Language, Region: v.Region, BaseURL: base, Client: v.Client})
	case health.MapQuest:
		return v.viaProvider(ctx, &MapQuest{Key: key, BaseURL: base, Client: v.Client})
	case health.Mapbox:
		return HomeInfo{}, v.mapboxStatic(ctx, key, base)
	}
	return HomeInfo{}, health.ErrUnknown
}

func (v *KeyValidator) viaProvider(ctx context.Context, p Provider) (HomeInfo, error) {
	var (
		res Result
		err error
	)
	if v.Tracker != nil && v.Tracker.Has(p.ID()) {
		res, err = Call(ctx, p, v.Tracker, v.Latitude, v.Longitude)
	} else {
		res, err = p.ReverseGeocode(ctx, v.Latitude, v.Longitude)
	}
	if err != nil {
		return HomeInfo{}, err
	}
	return HomeInfo{CountryCode: res.CountryCode, State: res.State}, nil
}

// mapboxStatic requests a small static map image; any 200 proves the token.
func (v *KeyValidator) mapboxStatic(ctx context.Context, key, base string) error {
	if base == "" {
		base = mapboxBaseURL
	}
	u := strings.TrimRight(base, "/") + "/styles/v1/mapbox/streets-v11/static/" +
		coord(v.Longitude) + "," + coord(v.Latitude) + ",5,0/300x200?access_token=" + key
	resp := v.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK || resp.Status != http.StatusOK {
		err := httpFailure(health.Mapbox, resp)
		if v.Tracker != nil {
			v.Tracker.RecordError(health.Mapbox, err.Error(), err.Auth)
		}
		return err
	}
	if v.Tracker != nil {
		v.Tracker.RecordSuccess(health.Mapbox)
	}
	return nil
}

var stateAbbreviations = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas", "CA": "California",
	"CO": "Colorado", "CT": "Connecticut", "DE": "Delaware", "DC": "District of Columbia",
	"FL": "Florida", "GA": "Georgia", "HI": "Hawaii", "ID": "Idaho", "IL": "Illinois",
	"IN": "Indiana", "IA": "Iowa", "KS": "Kansas", "KY": "Kentucky", "LA": "Louisiana",
	"ME": "Maine", "MD": "Maryland", "MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota",
	"MS": "Mississippi", "MO": "Missouri", "MT": "Montana", "NE": "Nebraska", "NV": "Nevada",
	"NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico", "NY": "New York",
	"NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio", "OK": "Oklahoma", "OR": "Oregon",
	"PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina", "SD": "South Dakota",
	"TN": "Tennessee", "TX": "Texas", "UT": "Utah", "VT": "Vermont", "VA": "Virginia",
	"WA": "Washington", "WV": "West Virginia", "WI": "Wisconsin", "WY": "Wyoming",
}

// StateName expands a US state abbreviation, returning other values as-is.
func StateName(code string) string {
	if name, ok := stateAbbreviations[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}
