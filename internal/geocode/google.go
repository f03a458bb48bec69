package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"person_location/internal/health"
)

const googleBaseURL = "https://maps.googleapis.com/maps/api"

// GoogleMaps calls the Google Maps Geocoding API.
type GoogleMaps struct {
	Key      string
	Language string
	Region   string
	BaseURL  string
	Client   Fetcher
}

func (g *GoogleMaps) ID() string { return health.GoogleMaps }
func (g *GoogleMaps) AttributeKey() string { return AttributeKeys[health.GoogleMaps] }
func (g *GoogleMaps) Attribution() string { return quote("powered by Google") }

type googleComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// googleFields maps component types onto the canonical locality keys.
var googleFields = map[string]string{
	"sublocality":                 "suburb",
	"neighborhood":                "suburb",
	"locality":                    "city",
	"postal_town":                 "town",
	"administrative_area_level_3": "municipality",
	"administrative_area_level_2": "county",
	"administrative_area_level_1": "state",
	"country":                     "country",
}

func (g *GoogleMaps) ReverseGeocode(ctx context.Context, lat, lon float64) (Result, error) {
	base := g.BaseURL
	if base == "" {
		base = googleBaseURL
	}
	u := strings.TrimRight(base, "/") + "/geocode/json?language=" + url.QueryEscape(g.Language) +
		"&region=" + url.QueryEscape(g.Region) +
		"&latlng=" + coord(lat) + "," + coord(lon) +
		"&key=" + url.QueryEscape(g.Key)
	resp := g.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK {
		return Result{}, httpFailure(health.GoogleMaps, resp)
	}

	var payload struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		Results      []struct {
			FormattedAddress  string            `json:"formatted_address"`
			AddressComponents []googleComponent `json:"address_components"`
		} `json:"results"`
	}
	if err := resp.Decode(&payload); err != nil {
		return Result{}, &APIError{Provider: health.GoogleMaps, Status: resp.Status, Message: "decode: " + err.Error()}
	}
	if payload.Status != "OK" {
		return Result{}, &APIError{
			Provider: health.GoogleMaps,
			Status:   resp.Status,
			Message:  "API status: " + payload.Status,
			Auth:     payload.Status == "REQUEST_DENIED",
		}
	}
	if len(payload.Results) == 0 {
		return Result{}, &APIError{Provider: health.GoogleMaps, Status: resp.Status, Message: "no results"}
	}

	first := payload.Results[0]
	fields := make(map[string]string)
	res := Result{FormattedAddress: first.FormattedAddress, Attribution: g.Attribution()}
	for _, c := range first.AddressComponents {
		for _, t := range c.Types {
			if key, ok := googleFields[t]; ok && fields[key] == "" {
				fields[key] = c.LongName
			}
			switch t {
			case "country":
				res.CountryCode = strings.ToUpper(c.ShortName)
			case "administrative_area_level_1":
				res.State = c.LongName
			}
		}
	}
	res.Locality = PickLocality(fields)
	if res.FormattedAddress == "" {
		res.FormattedAddress = res.Locality
	}
	return res, nil
}
