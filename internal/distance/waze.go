package distance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/logging"
)

const wazeBaseURL = "https://www.waze.com"

// wazePaths maps a region onto its routing manager.
var wazePaths = map[string]string{
	"us": "/RoutingManager/routingRequest",
	"eu": "/row-RoutingManager/routingRequest",
	"il": "/il-RoutingManager/routingRequest",
	"au": "/row-RoutingManager/routingRequest",
}

// waze tries the host routing service first, then the direct routing client.
func (r *Resolver) waze(ctx context.Context, req Request) (leg, error) {
	if r.Tracker != nil && r.Tracker.Has(health.Waze) && !r.Tracker.IsEnabled(health.Waze) {
		return leg{}, ErrProviderDisabled
	}
	log := logging.Entity(req.EntityID)
	region := WazeRegion(req.CountryCode)

	l, err := r.wazeService(ctx, req, region)
	if err == nil {
		r.recordWaze(nil)
		return l, nil
	}
	log.Debug().Err(err).Msg("waze service failed, trying direct routing")

	l, err = r.wazeDirect(ctx, req, region)
	r.recordWaze(err)
	return l, err
}

func (r *Resolver) recordWaze(err error) {
	if r.Tracker == nil || !r.Tracker.Has(health.Waze) {
		return
	}
	if err != nil {
		r.Tracker.RecordError(health.Waze, err.Error(), false)
		return
	}
	r.Tracker.RecordSuccess(health.Waze)
}

func (r *Resolver) wazeService(ctx context.Context, req Request, region string) (leg, error) {
	if r.Services == nil || !r.Services.Has(WazeService) {
		return leg{}, fmt.Errorf("service %s not found", WazeService)
	}
	data, err := r.Services.Call(ctx, WazeService, map[string]any{
		"origin":      coord(req.Latitude) + "," + coord(req.Longitude),
		"destination": coord(req.HomeLatitude) + "," + coord(req.HomeLongitude),
		"region":      region,
	})
	if err != nil {
		return leg{}, err
	}
	routes, _ := data["routes"].([]any)
	if len(routes) == 0 {
		if typed, ok := data["routes"].([]map[string]any); ok && len(typed) > 0 {
			routes = []any{typed[0]}
		}
	}
	if len(routes) == 0 {
		return leg{}, ErrNoRoute
	}
	best, ok := routes[0].(map[string]any)
	if !ok {
		return leg{}, errors.New("unexpected route shape")
	}
	minutes, ok1 := host.ToFloat(best["duration"])
	km, ok2 := host.ToFloat(best["distance"])
	if !ok1 || !ok2 {
		return leg{}, errors.New("route missing duration or distance")
	}
	return leg{Minutes: minutes, Meters: km * 1000}, nil
}

type wazeResult struct {
	CrossTime float64 `json:"crossTime"`
	Length    float64 `json:"length"`
}

type wazeResponse struct {
	Results []wazeResult `json:"results"`
}

// wazeDirect queries the public routing manager, avoiding tolls and ferries,
// and sums the first route's segments.
func (r *Resolver) wazeDirect(ctx context.Context, req Request, region string) (leg, error) {
	q := url.Values{}
	q.Set("from", "x:"+coord(req.Longitude)+" y:"+coord(req.Latitude))
	q.Set("to", "x:"+coord(req.HomeLongitude)+" y:"+coord(req.HomeLatitude))
	q.Set("at", "0")
	q.Set("returnJSON", "true")
	q.Set("returnGeometries", "false")
	q.Set("returnInstructions", "false")
	q.Set("timeout", "60000")
	q.Set("nPaths", "1")
	q.Set("options", "AVOID_TRAILS:t,AVOID_TOLL_ROADS:t,AVOID_FERRIES:t")
	u := baseURL(r.BaseURLs, SourceWaze, wazeBaseURL) + wazePaths[region] + "?" + q.Encode()

	resp := r.Client.Do(ctx, http.MethodGet, u, nil, map[string]string{
		"Referer":    "https://www.waze.com/",
		"User-Agent": "Mozilla/5.0",
	})
	if !resp.OK {
		return leg{}, failure(SourceWaze, resp)
	}
	var payload struct {
		Error        string        `json:"error"`
		Response     *wazeResponse `json:"response"`
		Alternatives []struct {
			Response wazeResponse `json:"response"`
		} `json:"alternatives"`
	}
	if err := resp.Decode(&payload); err != nil {
		return leg{}, &vendorError{source: SourceWaze, status: resp.Status, msg: "decode: " + err.Error()}
	}
	if payload.Error != "" {
		return leg{}, &vendorError{source: SourceWaze, status: resp.Status, msg: strings.TrimSpace(payload.Error)}
	}
	var first *wazeResponse
	switch {
	case payload.Response != nil:
		first = payload.Response
	case len(payload.Alternatives) > 0:
		first = &payload.Alternatives[0].Response
	}
	if first == nil || len(first.Results) == 0 {
		return leg{}, ErrNoRoute
	}
	var seconds, meters float64
	for _, seg := range first.Results {
		seconds += seg.CrossTime
		meters += seg.Length
	}
	return leg{Minutes: seconds / 60, Meters: meters}, nil
}
