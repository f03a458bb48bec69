package presence

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"person_location/internal/config"
	"person_location/internal/host"
)

// Trigger is one device tracker update being considered for a target.
type Trigger struct {
	EntityID  string
	FromState string
	ToState   string
	// State is Home for home/on, Away for not_home, otherwise the raw zone.
	State      string
	HomeAway   string
	SourceType string
	Attributes map[string]any
	// LocationTime is local wall-clock time of the fix.
	LocationTime time.Time
	PersonName   string
	TargetName   string
}

// HasCoordinates reports a latitude and longitude pair.
func (tr Trigger) HasCoordinates() bool {
	_, lat := host.ToFloat(tr.Attributes["latitude"])
	_, lon := host.ToFloat(tr.Attributes["longitude"])
	return lat && lon
}

func (tr Trigger) float(key string) (float64, bool) {
	return host.ToFloat(tr.Attributes[key])
}

func (tr Trigger) attr(key string) string {
	v, _ := tr.Attributes[key].(string)
	return v
}

// StateReader looks up other entities.
type StateReader interface {
	Get(entityID string) (host.State, bool)
}

// NewTrigger builds a trigger from the reporting entity's current state.
// When the entity is not in the store the to state is used bare.
func NewTrigger(st host.State, found bool, from, to string, cfg config.Config, states StateReader, now time.Time) Trigger {
	if !found {
		st = host.State{EntityID: st.EntityID, State: to, LastUpdated: now}
	}
	tr := Trigger{
		EntityID:   st.EntityID,
		FromState:  from,
		ToState:    to,
		Attributes: st.Attributes,
	}
	if tr.Attributes == nil {
		tr.Attributes = map[string]any{}
	}

	switch strings.ToLower(st.State) {
	case "home", "on":
		tr.State, tr.HomeAway = StateHome, StateHome
	default:
		tr.HomeAway = StateAway
		tr.State = st.State
		if st.State == "not_home" {
			tr.State = StateAway
		}
	}

	tr.SourceType = "other"
	if s := tr.attr("source_type"); s != "" {
		tr.SourceType = s
	} else if src := tr.attr("source"); strings.Contains(src, ".") && states != nil {
		// person entities carry the device's source type one level down
		if srcState, ok := states.Get(src); ok {
			if s := srcState.Attr("source_type"); s != "" {
				tr.SourceType = s
			}
		}
	}

	tr.LocationTime = st.LastUpdated.In(time.Local)
	if ll := tr.attr("last_located"); ll != "" {
		if t, err := time.ParseInLocation(lastLocatedLayout, ll, time.Local); err == nil {
			tr.LocationTime = t
		}
	}

	tr.PersonName = personName(st, cfg.DeviceOwners())
	tr.TargetName = cfg.Platform + "." + strings.ToLower(tr.PersonName) + "_location"
	return tr
}

// personName resolves the person behind an entity: configured device
// mapping, then person_name, account_name, the first word of owner_fullname,
// and finally the object id up to the first underscore.
func personName(st host.State, owners map[string]string) string {
	if name, ok := owners[strings.ToLower(st.EntityID)]; ok {
		return strings.ToLower(name)
	}
	if v := st.Attr("person_name"); v != "" {
		return v
	}
	if v := st.Attr("account_name"); v != "" {
		return v
	}
	if v := strings.Fields(st.Attr("owner_fullname")); len(v) > 0 {
		return strings.ToLower(v[0])
	}
	object := st.EntityID
	if i := strings.Index(object, "."); i >= 0 {
		object = object[i+1:]
	}
	if i := strings.Index(object, "_"); i >= 0 {
		object = object[:i]
	}
	return strings.ToLower(object)
}

// capWords upper-cases the first letter of each space separated word.
func capWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
