package threshold

import (
	"fmt"
	"sort"
	"strings"

	"quakeview/internal/model"
)

// Severity labels used by the built-in profiles.
const (
	SeverityNormal  = "normal"
	SeverityCaution = "caution"
	SeverityWarning = "warning"
)

// Profile is a named, reusable breakpoint table.
type Profile struct {
	Name        string
	Breakpoints []model.Breakpoint
}

// Wide tolerates larger ground motion: caution at ±300, warning at ±600.
var Wide = Profile{
	Name: "wide",
	Breakpoints: []model.Breakpoint{
		{Value: 600, Color: model.Red, Severity: SeverityWarning},
		{Value: 300, Color: model.Yellow, Severity: SeverityCaution},
		{Value: 0, Color: model.Green, Severity: SeverityNormal},
		{Value: -300, Color: model.Yellow, Severity: SeverityCaution},
		{Value: -600, Color: model.Red, Severity: SeverityWarning},
	},
}

// Narrow is the tighter profile: caution at ±175, warning at +350 and -400.
// The -350 step is yellow as observed in the field configuration; override
// the profile in config when a symmetric table is wanted.
var Narrow = Profile{
	Name: "narrow",
	Breakpoints: []model.Breakpoint{
		{Value: 350, Color: model.Red, Severity: SeverityWarning},
		{Value: 175, Color: model.Yellow, Severity: SeverityCaution},
		{Value: 0, Color: model.Green, Severity: SeverityNormal},
		{Value: -175, Color: model.Yellow, Severity: SeverityCaution},
		{Value: -350, Color: model.Yellow, Severity: SeverityCaution},
		{Value: -400, Color: model.Red, Severity: SeverityWarning},
	},
}

var builtinProfiles = map[string]Profile{
	Wide.Name:   Wide,
	Narrow.Name: Narrow,
}

// LookupProfile returns the built-in profile with the given name.
func LookupProfile(name string) (Profile, error) {
	p, ok := builtinProfiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown threshold profile %q (available: %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames lists the built-in profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table builds the classifier table for the profile.
func (p Profile) Table() (*Table, error) {
	t, err := NewTable(p.Breakpoints)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return t, nil
}
