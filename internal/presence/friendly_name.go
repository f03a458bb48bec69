package presence

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"person_location/internal/host"
)

const (
	maxBreadCrumbs = 255
	crumbSeparator = "> "
)

// AppendCrumb adds crumb to the trail unless the trail already ends with it,
// keeping at most the last 255 bytes without splitting a segment.
func AppendCrumb(trail, crumb string) string {
	if trail == "" {
		return crumb
	}
	if strings.HasSuffix(trail, crumb) {
		return trail
	}
	s := trail + crumbSeparator + crumb
	if len(s) <= maxBreadCrumbs {
		return s
	}
	cut := len(s) - maxBreadCrumbs
	if cut >= len(crumbSeparator) && s[cut-len(crumbSeparator):cut] == crumbSeparator {
		return s[cut:]
	}
	if idx := strings.Index(s[cut:], crumbSeparator); idx >= 0 {
		return s[cut+idx+len(crumbSeparator):]
	}
	return crumb
}

// crumbFor derives the next bread crumb and the phrase used by the friendly
// name template. The caller holds the target lock.
func (i *Integration) crumbFor(t *Target) (crumb, location string) {
	reported := t.Attrs.ReportedState
	switch strings.ToLower(reported) {
	case "home", "on":
		crumb, location = StateHome, "is Home"
	case "away", "not_home", "off":
		crumb, location = StateAway, "is Away"
	default:
		crumb, location = reported, "is at "+reported
	}
	if t.Attrs.Zone != "" {
		if zone, ok := i.zones.Get(t.Attrs.Zone); ok && !zone.Stationary() && zone.FriendlyName != "" {
			crumb, location = zone.FriendlyName, "is at "+zone.FriendlyName
		}
	}
	if crumb == StateAway && t.Attrs.Locality != "" {
		crumb, location = t.Attrs.Locality, "is in "+t.Attrs.Locality
	}
	return crumb, location
}

// jinjaVar matches bare variable references such as {{ source.attributes.x }}.
var jinjaVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

var templateFuncs = template.FuncMap{"get": lookup}

// RenderFriendlyName renders a friendly name template. Variables are written
// {{ name }} or {{ a.b.c }}; a missing variable renders empty.
func RenderFriendlyName(tmpl string, vars map[string]any) (string, error) {
	src := jinjaVar.ReplaceAllString(tmpl, `{{get . "$1"}}`)
	parsed, err := template.New("friendly_name").Funcs(templateFuncs).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse friendly name template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render friendly name template: %w", err)
	}
	out := strings.ReplaceAll(buf.String(), "()", "")
	return strings.ReplaceAll(out, "  ", " "), nil
}

func lookup(root map[string]any, path string) any {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return ""
		}
	}
	return cur
}

func templateVars(location, personName string, sourceID string, source host.State, target View) map[string]any {
	srcAttrs := source.Attributes
	if srcAttrs == nil {
		srcAttrs = map[string]any{}
	}
	return map[string]any{
		"friendly_name_location": location,
		"person_name":            personName,
		"source": map[string]any{
			"entity_id":  sourceID,
			"state":      source.State,
			"attributes": srcAttrs,
		},
		"target": map[string]any{
			"entity_id":  target.EntityID,
			"state":      target.State,
			"attributes": target.Attributes,
		},
	}
}
