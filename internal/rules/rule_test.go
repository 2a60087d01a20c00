package rules

import (
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNew_RejectsInvalidLimits(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"missing name", Descriptor{SoftLimit: 1, HardLimit: 2, DrainVelocity: 1}},
		{"hard equals soft", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 5, DrainVelocity: 1}},
		{"hard below soft", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 4, DrainVelocity: 1}},
		{"zero soft", Descriptor{Name: "r", SoftLimit: 0, HardLimit: 4, DrainVelocity: 1}},
		{"zero drain", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 10, DrainVelocity: 0}},
		{"negative drain", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 10, DrainVelocity: -1}},
		{"bad route", Descriptor{Name: "r", Route: "/v1/(", SoftLimit: 5, HardLimit: 10, DrainVelocity: 1}},
		{"empty methods", Descriptor{Name: "r", Methods: []string{}, SoftLimit: 5, HardLimit: 10, DrainVelocity: 1}},
		{"blank method", Descriptor{Name: "r", Methods: []string{"GET", " "}, SoftLimit: 5, HardLimit: 10, DrainVelocity: 1}},
		{"colon in name", Descriptor{Name: "b:c", SoftLimit: 5, HardLimit: 10, DrainVelocity: 1}},
		{"nan limits", Descriptor{Name: "r", SoftLimit: math.NaN(), HardLimit: math.NaN(), DrainVelocity: 1}},
		{"nan hard", Descriptor{Name: "r", SoftLimit: 5, HardLimit: math.NaN(), DrainVelocity: 1}},
		{"nan drain", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 10, DrainVelocity: math.NaN()}},
		{"infinite soft", Descriptor{Name: "r", SoftLimit: math.Inf(1), HardLimit: math.Inf(1), DrainVelocity: 1}},
		{"infinite hard", Descriptor{Name: "r", SoftLimit: 5, HardLimit: math.Inf(1), DrainVelocity: 1}},
		{"infinite drain", Descriptor{Name: "r", SoftLimit: 5, HardLimit: 10, DrainVelocity: math.Inf(1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(tc.d)
			if err == nil {
				t.Fatalf("expected error, got rule %+v", r)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestApplies_Methods(t *testing.T) {
	tests := []struct {
		methods []string
		method  string
		want    bool
	}{
		{nil, "GET", true},
		{[]string{"GET"}, "GET", true},
		{[]string{"GET"}, "POST", false},
		{[]string{"GET", "POST"}, "POST", true},
		{[]string{"GET", "POST"}, "PUT", false},
		{[]string{"get"}, "GET", true},
	}
	for _, tc := range tests {
		r := mustRule(t, Descriptor{Name: "m", Methods: tc.methods, SoftLimit: 1, HardLimit: 2, DrainVelocity: 1})
		if got := r.Applies(tc.method, "/anything"); got != tc.want {
			t.Fatalf("methods=%v method=%s: expected %v, got %v", tc.methods, tc.method, tc.want, got)
		}
	}
}

func TestApplies_RouteIsFullMatch(t *testing.T) {
	tests := []struct {
		route string
		path  string
		want  bool
	}{
		{"/", "/", true},
		{"/", "/v1", false},
		{"/v1.*", "/v1", true},
		{"/v1.*", "/v1/queues", true},
		{"/v1.*", "/v2/queues", false},
		{"/v1/queues", "/api/v1/queues", false},
		{"/v1/queues", "/v1/queues/extra", false},
		{"/a|/b", "/b", true},
		{"/a|/b", "/bc", false},
	}
	for _, tc := range tests {
		r := mustRule(t, Descriptor{Name: "r", Route: tc.route, SoftLimit: 1, HardLimit: 2, DrainVelocity: 1})
		if got := r.Applies("GET", tc.path); got != tc.want {
			t.Fatalf("route=%q path=%q: expected %v, got %v", tc.route, tc.path, tc.want, got)
		}
	}
}

func TestMethods_NormalizedUppercase(t *testing.T) {
	r := mustRule(t, Descriptor{Name: "r", Methods: []string{"get", " Post "}, SoftLimit: 1, HardLimit: 2, DrainVelocity: 1})
	got := r.Methods()
	sort.Strings(got)
	if diff := cmp.Diff([]string{"GET", "POST"}, got); diff != "" {
		t.Fatalf("methods mismatch (-want +got):\n%s", diff)
	}
	if all := mustRule(t, Descriptor{Name: "a", SoftLimit: 1, HardLimit: 2, DrainVelocity: 1}).Methods(); all != nil {
		t.Fatalf("expected nil methods for unconstrained rule, got %v", all)
	}
}

func TestScaled_DividesLimits(t *testing.T) {
	r := mustRule(t, Descriptor{Name: "r", SoftLimit: 10, HardLimit: 20, DrainVelocity: 4})

	s := r.Scaled(4)
	if s.SoftLimit != 2.5 || s.HardLimit != 5 || s.DrainVelocity != 1 {
		t.Fatalf("unexpected scaled rule: %+v", s)
	}
	if r.SoftLimit != 10 {
		t.Fatalf("scaling mutated the original rule")
	}
	if r.Scaled(1) != r || r.Scaled(0) != r {
		t.Fatalf("expected identity for node count <= 1")
	}
}

func mustRule(t *testing.T, d Descriptor) *Rule {
	t.Helper()
	r, err := New(d)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	return r
}
