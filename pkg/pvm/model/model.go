// Package model holds the YAML document format process definitions are
// deployed in.
package model

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Definition struct {
	Id         string     `yaml:"id"`
	Name       string     `yaml:"name,omitempty"`
	Activities []Activity `yaml:"activities"`
}

type Activity struct {
	Id                  string            `yaml:"id"`
	Initial             bool              `yaml:"initial,omitempty"`
	Behavior            string            `yaml:"behavior"`
	Scope               bool              `yaml:"scope,omitempty"`
	Async               bool              `yaml:"async,omitempty"`
	ForCompensation     bool              `yaml:"forCompensation,omitempty"`
	CompensationHandler string            `yaml:"compensationHandler,omitempty"`
	Properties          map[string]any    `yaml:"properties,omitempty"`
	Transitions         []Transition      `yaml:"transitions,omitempty"`
	Faults              []FaultTransition `yaml:"faults,omitempty"`
	Activities          []Activity        `yaml:"activities,omitempty"`
}

type Transition struct {
	Id        string `yaml:"id,omitempty"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition,omitempty"`
}

// FaultTransition is taken when a fault with Code is raised inside the
// activity. An empty Code catches every fault.
type FaultTransition struct {
	Id   string `yaml:"id,omitempty"`
	Code string `yaml:"code,omitempty"`
	To   string `yaml:"to"`
}

// Parse decodes a definition document. Unknown fields are rejected.
func Parse(data []byte) (*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var definition Definition
	if err := decoder.Decode(&definition); err != nil {
		return nil, fmt.Errorf("failed to parse process definition document: %w", err)
	}
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	return &definition, nil
}

// Validate checks what can be checked without resolving behaviors: ids,
// behavior names and transition targets.
func (d *Definition) Validate() error {
	var errJoin error
	if d.Id == "" {
		errJoin = errors.Join(errJoin, errors.New("definition id is missing"))
	}
	if len(d.Activities) == 0 {
		errJoin = errors.Join(errJoin, fmt.Errorf("definition %s has no activities", d.Id))
	}
	ids := map[string]bool{}
	d.walk(func(a *Activity) {
		if a.Id == "" {
			errJoin = errors.Join(errJoin, errors.New("activity id is missing"))
			return
		}
		if ids[a.Id] {
			errJoin = errors.Join(errJoin, fmt.Errorf("duplicate activity id %s", a.Id))
		}
		ids[a.Id] = true
		if a.Behavior == "" {
			errJoin = errors.Join(errJoin, fmt.Errorf("activity %s has no behavior", a.Id))
		}
	})
	d.walk(func(a *Activity) {
		for _, t := range a.Transitions {
			if !ids[t.To] {
				errJoin = errors.Join(errJoin, fmt.Errorf("transition of activity %s points to unknown activity %q", a.Id, t.To))
			}
		}
		for _, f := range a.Faults {
			if !ids[f.To] {
				errJoin = errors.Join(errJoin, fmt.Errorf("fault transition of activity %s points to unknown activity %q", a.Id, f.To))
			}
		}
	})
	return errJoin
}

func (d *Definition) walk(fn func(a *Activity)) {
	var visit func(activities []Activity)
	visit = func(activities []Activity) {
		for i := range activities {
			fn(&activities[i])
			visit(activities[i].Activities)
		}
	}
	visit(d.Activities)
}
