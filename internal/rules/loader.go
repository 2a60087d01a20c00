package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Table is one immutable snapshot of the rate policy.
type Table struct {
	// General rules in match priority order; the first applicable rule wins.
	General []*Rule
	// Projects maps a project id to its override rule.
	Projects map[string]*Rule
}

// Load reads both rule documents. A problem with the general document is
// returned as an error; a problem with the override document only degrades
// the table to general rules.
func Load(generalPath, overridesPath string, logger zerolog.Logger) (*Table, error) {
	general, err := LoadGeneral(generalPath)
	if err != nil {
		return nil, err
	}
	return &Table{
		General:  general,
		Projects: LoadOverrides(overridesPath, logger),
	}, nil
}

// LoadGeneral parses the general rule document. Rule documents may be JSON or
// YAML.
func LoadGeneral(path string) ([]*Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("general rules: no rates file configured")
	}
	docs, err := readDocument(path)
	if err != nil {
		return nil, fmt.Errorf("general rules: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("general rules: %s defines no rules", path)
	}

	out := make([]*Rule, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		r, err := New(d)
		if err != nil {
			return nil, fmt.Errorf("general rules: entry %d: %w", i, err)
		}
		// counters are keyed by rule name, two rules must not share one
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("general rules: entry %d: %w: duplicate name %q", i, ErrInvalidRule, r.Name)
		}
		seen[r.Name] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// LoadOverrides parses the project override document. It never fails: any
// problem is logged and an empty map is returned.
func LoadOverrides(path string, logger zerolog.Logger) map[string]*Rule {
	if strings.TrimSpace(path) == "" {
		logger.Warn().Msg("no project rates file configured, proceeding without project-specific rate limits")
		return map[string]*Rule{}
	}

	docs, err := readDocument(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).
			Msg("proceeding without project-specific rate limits")
		return map[string]*Rule{}
	}

	out := make(map[string]*Rule, len(docs))
	for i, d := range docs {
		project := strings.TrimSpace(d.Project)
		if project == "" {
			logger.Warn().Int("entry", i).Str("path", path).
				Msg("project override without project, proceeding without project-specific rate limits")
			return map[string]*Rule{}
		}
		r, err := New(d)
		if err != nil {
			logger.Warn().Err(err).Int("entry", i).Str("path", path).
				Msg("invalid project override, proceeding without project-specific rate limits")
			return map[string]*Rule{}
		}
		if _, dup := out[project]; dup {
			logger.Warn().Str("project", project).Str("path", path).
				Msg("duplicate project override, last entry wins")
		}
		out[project] = r
	}
	return out
}

func readDocument(path string) ([]Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var docs []Descriptor
	if err := dec.Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty document", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return docs, nil
}

// Scaled returns a table whose rules are all Scaled by nodes.
func (t *Table) Scaled(nodes int) *Table {
	if nodes <= 1 {
		return t
	}
	out := &Table{
		General:  make([]*Rule, len(t.General)),
		Projects: make(map[string]*Rule, len(t.Projects)),
	}
	for i, r := range t.General {
		out.General[i] = r.Scaled(nodes)
	}
	for p, r := range t.Projects {
		out.Projects[p] = r.Scaled(nodes)
	}
	return out
}
