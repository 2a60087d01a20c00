package routing

import (
	"sync/atomic"

	"github.com/AlexKimmel/governor/internal/rules"
)

// Matcher selects the rule that governs a request. The rule table is held as
// an immutable snapshot so Match never locks and Swap never blocks readers.
type Matcher struct {
	table atomic.Pointer[rules.Table]
}

func NewMatcher(t *rules.Table) *Matcher {
	m := &Matcher{}
	m.Swap(t)
	return m
}

// Swap installs a new rule table. Matches already running keep the table they
// started with.
func (m *Matcher) Swap(t *rules.Table) {
	if t == nil {
		t = &rules.Table{}
	}
	m.table.Store(t)
}

// Table returns the current snapshot.
func (m *Matcher) Table() *rules.Table {
	return m.table.Load()
}

// Match returns the rule for the request, or nil when no rule applies and the
// request is not governed. A project override wins over the general rules
// only when its own method and route constraints accept the request.
func (m *Matcher) Match(project, method, path string) *rules.Rule {
	t := m.table.Load()

	if rt, ok := t.Projects[project]; ok && rt.Applies(method, path) {
		return rt
	}
	for _, rt := range t.General {
		if rt.Applies(method, path) {
			return rt
		}
	}
	return nil
}
