package host

import (
	"strings"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"
)

// StationaryPrefix marks iCloud3 stationary zones, which never name a place.
const StationaryPrefix = "ic3_stationary_"

// Zone is a named circle.
type Zone struct {
	ID           string  `json:"id"`
	FriendlyName string  `json:"friendly_name"`
	Icon         string  `json:"icon"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Radius       float64 `json:"radius"`
}

// Stationary reports an ic3 stationary zone.
func (z Zone) Stationary() bool {
	return strings.HasPrefix(z.ID, StationaryPrefix)
}

// Zones reads zone.* entities from the state store through a short-lived
// lookup cache.
type Zones struct {
	states *States
	cache  *ttlcache.Cache
}

// NewZones caches lookups for ttl.
func NewZones(states *States, ttl time.Duration) *Zones {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	z := &Zones{states: states, cache: cache}
	states.Subscribe(func(entityID string, _, _ *State) {
		if strings.HasPrefix(entityID, "zone.") {
			_ = cache.Remove(entityID)
		}
	})
	return z
}

// Put publishes a zone as a zone.<id> entity.
func (z *Zones) Put(zone Zone) {
	z.states.Set("zone."+zone.ID, "zoning", map[string]any{
		"friendly_name": zone.FriendlyName,
		"icon":          zone.Icon,
		"latitude":      zone.Latitude,
		"longitude":     zone.Longitude,
		"radius":        zone.Radius,
	})
}

// Get looks a zone up by id, with or without the "zone." prefix.
func (z *Zones) Get(id string) (Zone, bool) {
	entityID := id
	if !strings.HasPrefix(entityID, "zone.") {
		entityID = "zone." + id
	}
	if v, err := z.cache.Get(entityID); err == nil {
		if zone, ok := v.(Zone); ok {
			return zone, true
		}
	}
	st, ok := z.states.Get(entityID)
	if !ok {
		return Zone{}, false
	}
	zone := Zone{
		ID:           strings.TrimPrefix(entityID, "zone."),
		FriendlyName: st.Attr("friendly_name"),
		Icon:         st.Attr("icon"),
	}
	zone.Latitude, _ = st.Float("latitude")
	zone.Longitude, _ = st.Float("longitude")
	zone.Radius, _ = st.Float("radius")
	_ = z.cache.Set(entityID, zone)
	return zone, true
}

// Close stops the cache janitor.
func (z *Zones) Close() error {
	return z.cache.Close()
}
