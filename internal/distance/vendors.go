package distance

import (
	"context"
	"net/http"
	"net/url"
)

const (
	radarRouteURL  = "https://api.radar.io/v1"
	googleRouteURL = "https://maps.googleapis.com/maps/api"
	mapboxRouteURL = "https://api.mapbox.com"
)

func (r *Resolver) radar(ctx context.Context, key string, req Request) (leg, error) {
	q := url.Values{}
	q.Set("origin", coord(req.Latitude)+","+coord(req.Longitude))
	q.Set("destination", coord(req.HomeLatitude)+","+coord(req.HomeLongitude))
	q.Set("modes", "car")
	q.Set("units", "metric")
	u := baseURL(r.BaseURLs, SourceRadar, radarRouteURL) + "/route/distance?" + q.Encode()

	resp := r.Client.Do(ctx, http.MethodGet, u, nil, map[string]string{"Authorization": key})
	if !resp.OK {
		return leg{}, failure(SourceRadar, resp)
	}
	var payload struct {
		Routes struct {
			Car struct {
				Duration struct {
					Value float64 `json:"value"`
				} `json:"duration"`
				Distance struct {
					Value float64 `json:"value"`
				} `json:"distance"`
			} `json:"car"`
		} `json:"routes"`
	}
	if err := resp.Decode(&payload); err != nil {
		return leg{}, &vendorError{source: SourceRadar, status: resp.Status, msg: "decode: " + err.Error()}
	}
	// duration is already in minutes
	return leg{Minutes: payload.Routes.Car.Duration.Value, Meters: payload.Routes.Car.Distance.Value}, nil
}

func (r *Resolver) google(ctx context.Context, key string, req Request) (leg, error) {
	q := url.Values{}
	q.Set("origins", coord(req.Latitude)+","+coord(req.Longitude))
	q.Set("destinations", coord(req.HomeLatitude)+","+coord(req.HomeLongitude))
	q.Set("mode", "driving")
	q.Set("units", "metric")
	q.Set("key", key)
	u := baseURL(r.BaseURLs, SourceGoogleMaps, googleRouteURL) + "/distancematrix/json?" + q.Encode()

	resp := r.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK {
		return leg{}, failure(SourceGoogleMaps, resp)
	}
	var payload struct {
		Status string `json:"status"`
		Rows   []struct {
			Elements []struct {
				Status   string `json:"status"`
				Duration struct {
					Value float64 `json:"value"`
				} `json:"duration"`
				Distance struct {
					Value float64 `json:"value"`
				} `json:"distance"`
			} `json:"elements"`
		} `json:"rows"`
	}
	if err := resp.Decode(&payload); err != nil {
		return leg{}, &vendorError{source: SourceGoogleMaps, status: resp.Status, msg: "decode: " + err.Error()}
	}
	if payload.Status != "" && payload.Status != "OK" {
		return leg{}, &vendorError{
			source: SourceGoogleMaps,
			status: resp.Status,
			msg:    "API status: " + payload.Status,
			auth:   payload.Status == "REQUEST_DENIED",
		}
	}
	if len(payload.Rows) == 0 || len(payload.Rows[0].Elements) == 0 {
		return leg{}, ErrNoRoute
	}
	e := payload.Rows[0].Elements[0]
	return leg{Minutes: e.Duration.Value / 60, Meters: e.Distance.Value}, nil
}

func (r *Resolver) mapbox(ctx context.Context, key string, req Request) (leg, error) {
	coords := coord(req.Longitude) + "," + coord(req.Latitude) + ";" + coord(req.HomeLongitude) + "," + coord(req.HomeLatitude)
	q := url.Values{}
	q.Set("access_token", key)
	q.Set("geometries", "geojson")
	q.Set("overview", "simplified")
	u := baseURL(r.BaseURLs, SourceMapbox, mapboxRouteURL) + "/directions/v5/mapbox/driving/" + coords + "?" + q.Encode()

	resp := r.Client.Do(ctx, http.MethodGet, u, nil, nil)
	if !resp.OK {
		return leg{}, failure(SourceMapbox, resp)
	}
	var payload struct {
		Routes []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
		} `json:"routes"`
	}
	if err := resp.Decode(&payload); err != nil {
		return leg{}, &vendorError{source: SourceMapbox, status: resp.Status, msg: "decode: " + err.Error()}
	}
	if len(payload.Routes) == 0 {
		return leg{}, ErrNoRoute
	}
	return leg{Minutes: payload.Routes[0].Duration / 60, Meters: payload.Routes[0].Distance}, nil
}
