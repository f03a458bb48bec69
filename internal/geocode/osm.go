package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"person_location/internal/health"
)

const osmBaseURL = "https://nominatim.openstreetmap.org"

// OpenStreetMap calls Nominatim. The key is the contact e-mail Nominatim
// asks heavy users to send.
type OpenStreetMap struct {
	Key     string
	BaseURL string
	Client  Fetcher
}

func (o *OpenStreetMap) ID() string { return health.OpenStreetMap }
func (o *OpenStreetMap) AttributeKey() string { return AttributeKeys[health.OpenStreetMap] }
func (o *OpenStreetMap) Attribution() string { return "" }

func (o *OpenStreetMap) ReverseGeocode(ctx context.Context, lat, lon float64) (Result, error) {
	base := o.BaseURL
	if base == "" {
		base = osmBaseURL
	}
	u := strings.TrimRight(base, "/") + "/reverse?format=jsonv2&lat=" + coord(lat) + "&lon=" + coord(lon) +
		"&addressdetails=1&namedetails=1&zoom=18&limit=1"
	if o.Key != "" {
		u += "&email=" + url.QueryEscape(o.Key)
	}
	resp := o.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK {
		return Result{}, httpFailure(health.OpenStreetMap, resp)
	}

	var payload struct {
		Error       string            `json:"error"`
		DisplayName string            `json:"display_name"`
		Licence     string            `json:"licence"`
		Address     map[string]string `json:"address"`
	}
	if err := resp.Decode(&payload); err != nil {
		return Result{}, &APIError{Provider: health.OpenStreetMap, Status: resp.Status, Message: "decode: " + err.Error()}
	}
	if payload.Error != "" {
		return Result{}, &APIError{Provider: health.OpenStreetMap, Status: resp.Status, Message: payload.Error}
	}

	res := Result{
		Locality:    PickLocality(payload.Address),
		CountryCode: strings.ToUpper(payload.Address["country_code"]),
		State:       payload.Address["state"],
	}
	display := payload.DisplayName
	if display == "" {
		display = res.Locality
	}
	res.FormattedAddress = strings.ReplaceAll(display, ", ", " ")
	if payload.Licence != "" {
		res.Attribution = quote(payload.Licence)
	}
	return res, nil
}
