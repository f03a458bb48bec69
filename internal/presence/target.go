package presence

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"person_location/internal/geocode"
	"person_location/internal/host"
	"person_location/internal/store"
)

// Presence states.
const (
	StateHome         = "Home"
	StateJustArrived  = "Just Arrived"
	StateJustLeft     = "Just Left"
	StateAway         = "Away"
	StateExtendedAway = "Extended Away"
	StateUnknown      = "unknown"
)

const (
	locationTimeLayout = "2006-01-02 15:04:05.000000"
	lastLocatedLayout  = "2006-01-02 15:04:05"

	stationaryStatePrefix = "StatZon"
	defaultIcon           = "mdi:help-circle"
)

// neverChanged is the timestamp given to targets that have never been written.
var neverChanged = time.Date(2020, 3, 14, 15, 9, 26, 535897000, time.UTC)

// Attributes are the target's published attributes. Nil pointers and empty
// strings are absent.
type Attributes struct {
	Source           string
	ReportedState    string
	SourceType       string
	Latitude         *float64
	Longitude        *float64
	GPSAccuracy      *float64
	Altitude         *float64
	VerticalAccuracy *float64
	Speed            *float64
	Zone             string
	Icon             string
	EntityPicture    string
	CompassBearing   *float64
	Direction        string
	BreadCrumbs      string
	MetersFromHome   *float64
	MilesFromHome    *float64
	DrivingMiles     string
	DrivingMinutes   string
	Attribution      string
	FriendlyName     string
	PersonName       string
	LocationTime     string
	Locality         string
	// Geocoded holds one formatted address per provider attribute key.
	Geocoded map[string]string
}

// Info holds the per-target counters and the last geocoded fix.
type Info struct {
	GeocodeCount               int      `json:"geocode_count"`
	TriggerCount               int      `json:"trigger_count"`
	Locality                   string   `json:"locality"`
	LocationLatitude           *float64 `json:"location_latitude,omitempty"`
	LocationLongitude          *float64 `json:"location_longitude,omitempty"`
	ReverseGeocodeLocationTime string   `json:"reverse_geocode_location_time,omitempty"`
}

// Target is the reconciled location entity of one person. Fields are guarded
// by the target lock.
type Target struct {
	mu sync.Mutex

	EntityID    string
	PersonName  string
	State       string
	LastChanged time.Time
	LastUpdated time.Time
	Attrs       Attributes
	Info        Info

	// published is the state at the last persist; LastChanged moves only
	// when State differs from it.
	published string
}

func newTarget(entityID, personName string) *Target {
	return &Target{
		EntityID:    entityID,
		PersonName:  personName,
		State:       StateUnknown,
		LastChanged: neverChanged,
		LastUpdated: neverChanged,
		Info:        Info{Locality: "?"},
		published:   StateUnknown,
	}
}

func (t *Target) touch(now time.Time) {
	t.LastUpdated = now
	if t.State != t.published {
		t.LastChanged = now
		t.published = t.State
	}
}

// View is a read-only copy of a target.
type View struct {
	EntityID    string         `json:"entity_id"`
	PersonName  string         `json:"person_name"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	Info        Info           `json:"this_entity_info"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// View copies the target under its lock.
func (t *Target) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view()
}

func (t *Target) view() View {
	return View{
		EntityID:    t.EntityID,
		PersonName:  t.PersonName,
		State:       t.State,
		Attributes:  t.Attrs.ToMap(),
		Info:        t.Info,
		LastChanged: t.LastChanged,
		LastUpdated: t.LastUpdated,
	}
}

func (t *Target) record() store.Target {
	return store.Target{
		EntityID:    t.EntityID,
		PersonName:  t.PersonName,
		State:       t.State,
		Attributes:  t.Attrs.ToMap(),
		Info:        t.Info.toMap(),
		LastChanged: t.LastChanged,
		LastUpdated: t.LastUpdated,
	}
}

// restoreTarget rebuilds a target from its stored row. Stationary and
// not_home states come back as Away.
func restoreTarget(rec store.Target) *Target {
	t := newTarget(rec.EntityID, rec.PersonName)
	switch {
	case strings.HasPrefix(rec.State, stationaryStatePrefix), rec.State == "not_home":
		t.State = StateAway
	case rec.State != "":
		t.State = rec.State
	}
	t.published = t.State
	if !rec.LastChanged.IsZero() {
		t.LastChanged = rec.LastChanged
	}
	if !rec.LastUpdated.IsZero() {
		t.LastUpdated = rec.LastUpdated
	}
	t.Attrs = AttributesFromMap(rec.Attributes)
	t.Info = infoFromMap(rec.Info)
	return t
}

// ToMap renders the attributes the way they are published on the entity.
func (a Attributes) ToMap() map[string]any {
	m := make(map[string]any)
	str := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	num := func(k string, v *float64) {
		if v != nil {
			m[k] = *v
		}
	}
	str("source", a.Source)
	str("reported_state", a.ReportedState)
	str("source_type", a.SourceType)
	num("latitude", a.Latitude)
	num("longitude", a.Longitude)
	num("gps_accuracy", a.GPSAccuracy)
	num("altitude", a.Altitude)
	num("vertical_accuracy", a.VerticalAccuracy)
	num("speed", a.Speed)
	str("zone", a.Zone)
	str("icon", a.Icon)
	str("entity_picture", a.EntityPicture)
	num("compass_bearing", a.CompassBearing)
	str("direction", a.Direction)
	str("bread_crumbs", a.BreadCrumbs)
	num("meters_from_home", a.MetersFromHome)
	num("miles_from_home", a.MilesFromHome)
	str("driving_miles", a.DrivingMiles)
	str("driving_minutes", a.DrivingMinutes)
	str("attribution", a.Attribution)
	str("friendly_name", a.FriendlyName)
	str("person_name", a.PersonName)
	str("location_time", a.LocationTime)
	str("locality", a.Locality)
	for k, v := range a.Geocoded {
		str(k, v)
	}
	return m
}

// AttributesFromMap is the inverse of ToMap. Unknown keys are dropped.
func AttributesFromMap(m map[string]any) Attributes {
	str := func(k string) string {
		v, _ := m[k].(string)
		return v
	}
	num := func(k string) *float64 {
		if v, ok := host.ToFloat(m[k]); ok {
			return &v
		}
		return nil
	}
	a := Attributes{
		Source:           str("source"),
		ReportedState:    str("reported_state"),
		SourceType:       str("source_type"),
		Latitude:         num("latitude"),
		Longitude:        num("longitude"),
		GPSAccuracy:      num("gps_accuracy"),
		Altitude:         num("altitude"),
		VerticalAccuracy: num("vertical_accuracy"),
		Speed:            num("speed"),
		Zone:             str("zone"),
		Icon:             str("icon"),
		EntityPicture:    str("entity_picture"),
		CompassBearing:   num("compass_bearing"),
		Direction:        str("direction"),
		BreadCrumbs:      str("bread_crumbs"),
		MetersFromHome:   num("meters_from_home"),
		MilesFromHome:    num("miles_from_home"),
		DrivingMiles:     str("driving_miles"),
		DrivingMinutes:   str("driving_minutes"),
		Attribution:      str("attribution"),
		FriendlyName:     str("friendly_name"),
		PersonName:       str("person_name"),
		LocationTime:     str("location_time"),
		Locality:         str("locality"),
	}
	for _, key := range geocode.AttributeKeys {
		if v := str(key); v != "" {
			if a.Geocoded == nil {
				a.Geocoded = make(map[string]string)
			}
			a.Geocoded[key] = v
		}
	}
	return a
}

func (i Info) toMap() map[string]any {
	m := map[string]any{
		"geocode_count": i.GeocodeCount,
		"trigger_count": i.TriggerCount,
		"locality":      i.Locality,
	}
	if i.LocationLatitude != nil {
		m["location_latitude"] = *i.LocationLatitude
	}
	if i.LocationLongitude != nil {
		m["location_longitude"] = *i.LocationLongitude
	}
	if i.ReverseGeocodeLocationTime != "" {
		m["reverse_geocode_location_time"] = i.ReverseGeocodeLocationTime
	}
	return m
}

func infoFromMap(m map[string]any) Info {
	info := Info{Locality: "?"}
	if v, ok := host.ToFloat(m["geocode_count"]); ok {
		info.GeocodeCount = int(v)
	}
	if v, ok := host.ToFloat(m["trigger_count"]); ok {
		info.TriggerCount = int(v)
	}
	if v, ok := m["locality"].(string); ok && v != "" {
		info.Locality = v
	}
	if v, ok := host.ToFloat(m["location_latitude"]); ok {
		info.LocationLatitude = &v
	}
	if v, ok := host.ToFloat(m["location_longitude"]); ok {
		info.LocationLongitude = &v
	}
	info.ReverseGeocodeLocationTime, _ = m["reverse_geocode_location_time"].(string)
	return info
}

// Registry is the add-only target map.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Target
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]*Target)}
}

func (r *Registry) Get(entityID string) (*Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[entityID]
	return t, ok
}

// GetOrCreate returns the target, creating an unknown one on first use.
func (r *Registry) GetOrCreate(entityID, personName string) (*Target, bool) {
	if t, ok := r.Get(entityID); ok {
		return t, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[entityID]; ok {
		return t, false
	}
	t := newTarget(entityID, personName)
	r.targets[entityID] = t
	return t, true
}

func (r *Registry) add(t *Target) {
	r.mu.Lock()
	r.targets[t.EntityID] = t
	r.mu.Unlock()
}

// All returns the targets sorted by entity id.
func (r *Registry) All() []*Target {
	r.mu.RLock()
	out := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func ptr(v float64) *float64 { return &v }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
