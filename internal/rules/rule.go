// Package rules holds the rate policy: immutable rules and the loader that
// builds them from the general and per-project rule documents.
package rules

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// ErrInvalidRule is wrapped by every rule construction failure.
var ErrInvalidRule = errors.New("invalid rate rule")

// Descriptor is one entry of a rule document. Project is only meaningful in
// the project override document.
type Descriptor struct {
	Project       string   `yaml:"project"`
	Name          string   `yaml:"name"`
	Route         string   `yaml:"route"`
	Methods       []string `yaml:"methods"`
	SoftLimit     float64  `yaml:"soft_limit"`
	HardLimit     float64  `yaml:"hard_limit"`
	DrainVelocity float64  `yaml:"drain_velocity"`
}

// Rule is a validated rate policy. It is never mutated after New returns, so
// it can be shared between goroutines without locking.
type Rule struct {
	Name          string
	Pattern       string // route as written in the document, "" when absent
	SoftLimit     float64
	HardLimit     float64
	DrainVelocity float64 // units per second

	route   *regexp.Regexp
	methods map[string]struct{} // nil = all methods
}

// New validates d and compiles its route.
func New(d Descriptor) (*Rule, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	// ':' separates project and rule in counter keys
	if strings.Contains(name, ":") {
		return nil, fmt.Errorf("%w %q: name must not contain ':'", ErrInvalidRule, name)
	}
	// written as !(x > y) so NaN fails every check
	if !(d.SoftLimit > 0) || math.IsInf(d.SoftLimit, 0) {
		return nil, fmt.Errorf("%w %q: soft_limit must be a finite number > 0, got %v", ErrInvalidRule, name, d.SoftLimit)
	}
	if !(d.HardLimit > d.SoftLimit) || math.IsInf(d.HardLimit, 0) {
		return nil, fmt.Errorf("%w %q: hard_limit (%v) must be finite and greater than soft_limit (%v)",
			ErrInvalidRule, name, d.HardLimit, d.SoftLimit)
	}
	if !(d.DrainVelocity > 0) || math.IsInf(d.DrainVelocity, 0) {
		return nil, fmt.Errorf("%w %q: drain_velocity must be a finite number > 0, got %v", ErrInvalidRule, name, d.DrainVelocity)
	}

	r := &Rule{
		Name:          name,
		Pattern:       d.Route,
		SoftLimit:     d.SoftLimit,
		HardLimit:     d.HardLimit,
		DrainVelocity: d.DrainVelocity,
	}

	if d.Route != "" {
		// anchored at both ends: a prefix match is not a match
		re, err := regexp.Compile("^(?:" + d.Route + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w %q: route: %v", ErrInvalidRule, name, err)
		}
		r.route = re
	}

	if d.Methods != nil {
		if len(d.Methods) == 0 {
			return nil, fmt.Errorf("%w %q: methods must not be empty when present", ErrInvalidRule, name)
		}
		r.methods = make(map[string]struct{}, len(d.Methods))
		for _, m := range d.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if m == "" {
				return nil, fmt.Errorf("%w %q: empty method", ErrInvalidRule, name)
			}
			r.methods[m] = struct{}{}
		}
	}

	return r, nil
}

// Applies reports whether the rule's method and route constraints accept the
// request. Absent constraints accept everything.
func (r *Rule) Applies(method, path string) bool {
	if r.methods != nil {
		if _, ok := r.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	if r.route != nil && !r.route.MatchString(path) {
		return false
	}
	return true
}

// Methods returns the method constraint in no particular order, nil when the
// rule applies to every method.
func (r *Rule) Methods() []string {
	if r.methods == nil {
		return nil
	}
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	return out
}

// Scaled returns a copy of the rule with limits and drain velocity divided by
// nodes. It approximates a fleet-wide limit with uncoordinated per-process
// counters and is only meant for deployments without a shared store.
func (r *Rule) Scaled(nodes int) *Rule {
	if nodes <= 1 {
		return r
	}
	n := float64(nodes)
	cp := *r
	cp.SoftLimit = r.SoftLimit / n
	cp.HardLimit = r.HardLimit / n
	cp.DrainVelocity = r.DrainVelocity / n
	return &cp
}
