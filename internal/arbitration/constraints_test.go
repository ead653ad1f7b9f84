package arbitration

import (
	"testing"
	"time"

	"github.com/ShayCichocki/arbiter/pkg/models"
)

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		raw     string
		kind    models.ConstraintKind
		subject string
		value   time.Duration
	}{
		{"minimum delay 6h", models.ConstraintMin, DefaultSubject, 6 * time.Hour},
		{"crew_rest: at least 10 hours", models.ConstraintMin, "crew_rest", 10 * time.Hour},
		{"Crew Duty: max delay 8h", models.ConstraintMax, "crew_duty", 8 * time.Hour},
		{"delay must not exceed 90 min", models.ConstraintMax, DefaultSubject, 90 * time.Minute},
		{"hold for 45 minutes", models.ConstraintMin, DefaultSubject, 45 * time.Minute},
		{"minimum 4h30m for the part swap", models.ConstraintMin, DefaultSubject, 4*time.Hour + 30*time.Minute},
		{"2.5 hrs", models.ConstraintMin, DefaultSubject, 150 * time.Minute},
		{"no-go: runway closed", models.ConstraintNoGo, DefaultSubject, 0},
		{"aircraft grounded pending inspection", models.ConstraintNoGo, DefaultSubject, 0},
		{"de-icing required before departure", models.ConstraintAdvisory, DefaultSubject, 0},
		{"must not depart before 6h", models.ConstraintMin, DefaultSubject, 6 * time.Hour},
		{"departure within 2h is prohibited", models.ConstraintMin, DefaultSubject, 2 * time.Hour},
		{"grounded until 3 hours from now", models.ConstraintMin, DefaultSubject, 3 * time.Hour},
		{"cannot operate after 14h on duty", models.ConstraintMax, DefaultSubject, 14 * time.Hour},
	}
	for _, tt := range tests {
		c := ParseConstraint("w", tt.raw)
		if c.Kind != tt.kind || c.Subject != tt.subject || c.Value != tt.value {
			t.Errorf("ParseConstraint(%q) = %s/%s/%v, want %s/%s/%v",
				tt.raw, c.Kind, c.Subject, c.Value, tt.kind, tt.subject, tt.value)
		}
		if c.Worker != "w" || c.Raw != tt.raw {
			t.Errorf("ParseConstraint(%q) lost worker or raw text: %+v", tt.raw, c)
		}
	}
}

func TestParseConstraints(t *testing.T) {
	type bound struct {
		kind    models.ConstraintKind
		subject string
		value   time.Duration
	}
	tests := []struct {
		raw  string
		want []bound
	}{
		{"crew duty max 14h, min rest 10h", []bound{
			{models.ConstraintMax, DefaultSubject, 14 * time.Hour},
			{models.ConstraintMin, DefaultSubject, 10 * time.Hour},
		}},
		{"crew: at least 4h; no more than 8h", []bound{
			{models.ConstraintMin, "crew", 4 * time.Hour},
			{models.ConstraintMax, "crew", 8 * time.Hour},
		}},
		{"minimum delay 2h and maximum delay 5h", []bound{
			{models.ConstraintMin, DefaultSubject, 2 * time.Hour},
			{models.ConstraintMax, DefaultSubject, 5 * time.Hour},
		}},
		{"delay between 4h and 6h", []bound{
			{models.ConstraintMin, DefaultSubject, 4 * time.Hour},
			{models.ConstraintMax, DefaultSubject, 6 * time.Hour},
		}},
		{"minimum 3h, de-icing required", []bound{
			{models.ConstraintMin, DefaultSubject, 3 * time.Hour},
			{models.ConstraintAdvisory, DefaultSubject, 0},
		}},
		{"minimum delay 6h", []bound{
			{models.ConstraintMin, DefaultSubject, 6 * time.Hour},
		}},
		{"de-icing and inspection required", []bound{
			{models.ConstraintAdvisory, DefaultSubject, 0},
		}},
	}
	for _, tt := range tests {
		got := ParseConstraints("w", tt.raw)
		if len(got) != len(tt.want) {
			t.Errorf("ParseConstraints(%q) = %d constraints %+v, want %d", tt.raw, len(got), got, len(tt.want))
			continue
		}
		for i, w := range tt.want {
			c := got[i]
			if c.Kind != w.kind || c.Subject != w.subject || c.Value != w.value || c.Worker != "w" {
				t.Errorf("ParseConstraints(%q)[%d] = %s/%s/%v, want %s/%s/%v",
					tt.raw, i, c.Kind, c.Subject, c.Value, w.kind, w.subject, w.value)
			}
		}
	}

	if got := ParseConstraints("w", "de-icing and inspection required"); got[0].Raw != "de-icing and inspection required" {
		t.Errorf("advisory raw = %q, want the full text", got[0].Raw)
	}
}

func TestParseDelay(t *testing.T) {
	tests := map[string]time.Duration{
		"4h":           4 * time.Hour,
		"90m":          90 * time.Minute,
		"2 hours":      2 * time.Hour,
		"about 30 min": 30 * time.Minute,
	}
	for in, want := range tests {
		got, ok := ParseDelay(in)
		if !ok || got != want {
			t.Errorf("ParseDelay(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "soon", "-2h"} {
		if _, ok := ParseDelay(in); ok {
			t.Errorf("ParseDelay(%q) succeeded", in)
		}
	}
}

func TestCombineTakesConservativeValues(t *testing.T) {
	b := combine([]models.Constraint{
		{Kind: models.ConstraintMin, Value: 4 * time.Hour},
		{Kind: models.ConstraintMin, Value: 6 * time.Hour},
		{Kind: models.ConstraintMax, Value: 10 * time.Hour},
		{Kind: models.ConstraintMax, Value: 8 * time.Hour},
		{Kind: models.ConstraintAdvisory, Raw: "de-ice"},
	})
	if b.Floor != 6*time.Hour || b.Ceiling != 8*time.Hour || !b.HasCeiling {
		t.Errorf("bounds = %+v, want [6h, 8h]", b)
	}
	if !b.Allows(7*time.Hour) || b.Allows(5*time.Hour) || b.Allows(9*time.Hour) {
		t.Error("Allows does not respect the window")
	}
	if len(b.Advisories) != 1 {
		t.Errorf("advisories = %v", b.Advisories)
	}

	if combine([]models.Constraint{{Kind: models.ConstraintMin, Value: 9 * time.Hour}, {Kind: models.ConstraintMax, Value: 8 * time.Hour}}).Feasible() {
		t.Error("floor above ceiling reported feasible")
	}
	if combine([]models.Constraint{{Kind: models.ConstraintNoGo}}).Feasible() {
		t.Error("no-go reported feasible")
	}
}

func TestFormatDelay(t *testing.T) {
	tests := map[time.Duration]string{
		0:                             "0m",
		45 * time.Minute:              "45m",
		6 * time.Hour:                 "6h",
		4*time.Hour + 30*time.Minute:  "4h30m",
		26*time.Hour + 29*time.Second: "26h",
	}
	for in, want := range tests {
		if got := FormatDelay(in); got != want {
			t.Errorf("FormatDelay(%v) = %q, want %q", in, got, want)
		}
	}
}
