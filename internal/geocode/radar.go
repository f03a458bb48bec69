package geocode

import (
	"context"
	"net/http"
	"strings"

	"person_location/internal/health"
)

const radarBaseURL = "https://api.radar.io/v1"

// Radar calls the Radar reverse geocoding API.
type Radar struct {
	Key     string
	BaseURL string
	Client  Fetcher
}

func (r *Radar) ID() string { return health.Radar }
func (r *Radar) AttributeKey() string { return AttributeKeys[health.Radar] }
func (r *Radar) Attribution() string { return quote("Powered by Radar") }

type radarAddress struct {
	FormattedAddress string `json:"formattedAddress"`
	AddressLabel     string `json:"addressLabel"`
	Neighborhood     string `json:"neighborhood"`
	City             string `json:"city"`
	Town             string `json:"town"`
	Village          string `json:"village"`
	Municipality     string `json:"municipality"`
	County           string `json:"county"`
	State            string `json:"state"`
	Country          string `json:"country"`
	CountryCode      string `json:"countryCode"`
}

func (r *Radar) ReverseGeocode(ctx context.Context, lat, lon float64) (Result, error) {
	base := r.BaseURL
	if base == "" {
		base = radarBaseURL
	}
	url := strings.TrimRight(base, "/") + "/geocode/reverse?coordinates=" + coord(lat) + "," + coord(lon) + "&layer=address"
	resp := r.Client.Do(ctx, http.MethodGet, url, nil, map[string]string{"Authorization": r.Key})
	if !resp.OK {
		return Result{}, httpFailure(health.Radar, resp)
	}

	var payload struct {
		Meta struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"meta"`
		Addresses []radarAddress `json:"addresses"`
	}
	if err := resp.Decode(&payload); err != nil {
		return Result{}, &APIError{Provider: health.Radar, Status: resp.Status, Message: "decode: " + err.Error()}
	}
	if payload.Meta.Code != 0 && payload.Meta.Code != http.StatusOK {
		return Result{}, &APIError{
			Provider: health.Radar,
			Status:   payload.Meta.Code,
			Message:  "API status: " + payload.Meta.Message,
			Auth:     payload.Meta.Code == http.StatusUnauthorized || payload.Meta.Code == http.StatusForbidden,
		}
	}
	if len(payload.Addresses) == 0 {
		return Result{}, &APIError{Provider: health.Radar, Status: resp.Status, Message: "no addresses"}
	}

	a := payload.Addresses[0]
	res := Result{
		Locality: PickLocality(map[string]string{
			"suburb":       a.Neighborhood,
			"village":      a.Village,
			"town":         a.Town,
			"municipality": a.Municipality,
			"city":         a.City,
			"county":       a.County,
			"state":        a.State,
			"country":      a.Country,
		}),
		CountryCode: strings.ToUpper(a.CountryCode),
		State:       a.State,
		Attribution: r.Attribution(),
	}
	switch {
	case a.FormattedAddress != "":
		res.FormattedAddress = a.FormattedAddress
	case a.AddressLabel != "":
		res.FormattedAddress = a.AddressLabel
	default:
		res.FormattedAddress = res.Locality
	}
	return res, nil
}
