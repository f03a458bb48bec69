package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"person_location/internal/health"
)

const mapquestBaseURL = "https://www.mapquestapi.com"

// MapQuest calls the MapQuest reverse geocoding API.
type MapQuest struct {
	Key     string
	BaseURL string
	Client  Fetcher
}

func (m *MapQuest) ID() string { return health.MapQuest }
func (m *MapQuest) AttributeKey() string { return AttributeKeys[health.MapQuest] }
func (m *MapQuest) Attribution() string { return quote("© MapQuest") }

type mapquestLocation struct {
	Street         string `json:"street"`
	AdminArea6     string `json:"adminArea6"`
	AdminArea5     string `json:"adminArea5"`
	AdminArea4     string `json:"adminArea4"`
	AdminArea4Type string `json:"adminArea4Type"`
	AdminArea3     string `json:"adminArea3"`
	AdminArea1     string `json:"adminArea1"`
	PostalCode     string `json:"postalCode"`
}

func (m *MapQuest) ReverseGeocode(ctx context.Context, lat, lon float64) (Result, error) {
	base := m.BaseURL
	if base == "" {
		base = mapquestBaseURL
	}
	u := strings.TrimRight(base, "/") + "/geocoding/v1/reverse?location=" + coord(lat) + "," + coord(lon) +
		"&thumbMaps=false&key=" + url.QueryEscape(m.Key)
	resp := m.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK {
		return Result{}, httpFailure(health.MapQuest, resp)
	}

	var payload struct {
		Info struct {
			StatusCode int      `json:"statuscode"`
			Messages   []string `json:"messages"`
			Copyright  struct {
				Text string `json:"text"`
			} `json:"copyright"`
		} `json:"info"`
		Results []struct {
			Locations []mapquestLocation `json:"locations"`
		} `json:"results"`
	}
	if err := resp.Decode(&payload); err != nil {
		return Result{}, &APIError{Provider: health.MapQuest, Status: resp.Status, Message: "decode: " + err.Error()}
	}
	if payload.Info.StatusCode != 0 {
		return Result{}, &APIError{
			Provider: health.MapQuest,
			Status:   payload.Info.StatusCode,
			Message:  fmt.Sprintf("statuscode %d: %s", payload.Info.StatusCode, strings.Join(payload.Info.Messages, "; ")),
			Auth:     payload.Info.StatusCode == http.StatusUnauthorized || payload.Info.StatusCode == http.StatusForbidden,
		}
	}
	if len(payload.Results) == 0 || len(payload.Results[0].Locations) == 0 {
		return Result{}, &APIError{Provider: health.MapQuest, Status: resp.Status, Message: "no locations"}
	}

	loc := payload.Results[0].Locations[0]
	county := ""
	if loc.AdminArea4 != "" && loc.AdminArea4Type != "" {
		county = loc.AdminArea4 + " " + loc.AdminArea4Type
	}
	res := Result{
		Locality: PickLocality(map[string]string{
			"suburb":  loc.AdminArea6,
			"city":    loc.AdminArea5,
			"county":  county,
			"state":   loc.AdminArea3,
			"country": loc.AdminArea1,
		}),
		CountryCode: strings.ToUpper(loc.AdminArea1),
		State:       StateName(loc.AdminArea3),
	}

	var b strings.Builder
	if loc.Street != "" {
		b.WriteString(loc.Street + ", ")
	}
	switch {
	case loc.AdminArea5 != "":
		b.WriteString(loc.AdminArea5 + ", ")
	case county != "":
		b.WriteString(county + ", ")
	}
	if loc.AdminArea3 != "" {
		b.WriteString(loc.AdminArea3 + " ")
	}
	if loc.PostalCode != "" {
		b.WriteString(loc.PostalCode + " ")
	}
	if loc.AdminArea1 != "" && loc.AdminArea1 != "US" {
		b.WriteString(loc.AdminArea1)
	}
	res.FormattedAddress = strings.TrimSpace(b.String())

	if payload.Info.Copyright.Text != "" {
		res.Attribution = quote(payload.Info.Copyright.Text)
	}
	return res, nil
}
