// Package model holds the in-memory representation of the plant topology:
// equipments, their tag catalogs, and their compiled event rules.
package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr/vm"

	"github.com/factoryedge/eventgen/internal/rules"
)

// TagType enumerates the scalar types a PLC tag can carry.
type TagType string

const (
	TagInt    TagType = "int"
	TagFloat  TagType = "float"
	TagBool   TagType = "bool"
	TagString TagType = "string"
)

// Tag is an input variable of an equipment. Address is the last path segment
// of the telemetry topic that carries this tag's readings.
type Tag struct {
	Name    string
	Address string
	Type    TagType
}

// Rule is a named boolean expression whose rising edge emits an event.
// State holds the truthiness observed on the previous tick; it starts false
// so an expression that is already true at startup still produces one edge.
type Rule struct {
	Name       string
	Source     string
	Program    *vm.Program
	RoutingKey string
	Output     string
	State      bool
}

// Equipment groups tags and rules under one identity. The symbol table maps
// tag names to their latest reading and is owned by the equipment: ingestion
// merges into it via UpdateValues, evaluation reads it via Snapshot.
type Equipment struct {
	Name     string
	Code     string
	Metadata map[string]interface{}
	Tags     []Tag
	Rules    []*Rule

	mu       sync.Mutex
	symtable map[string]interface{}
}

// TagConfig mirrors one entry of the "tags" array in the equipment config file.
type TagConfig struct {
	Name       string `json:"name"`
	PLCAddress string `json:"plc_address"`
	Type       string `json:"type"`
}

// RuleConfig mirrors one entry of the "event_rules" array.
type RuleConfig struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	RoutingKey string `json:"routing_key"`
	Output     string `json:"output"`
}

// EquipmentConfig is the per-equipment block of the JSON configuration file.
type EquipmentConfig struct {
	IP         string                 `json:"ip"`
	Code       string                 `json:"code"`
	Metadata   map[string]interface{} `json:"metadata"`
	Tags       []TagConfig            `json:"tags"`
	EventRules []RuleConfig           `json:"event_rules"`
}

// NewEquipment builds an equipment from its config block, resolving compiled
// rule programs from the shared cache. Every identifier referenced by a rule
// expression must name a tag of this equipment; violations are startup errors.
func NewEquipment(name string, cfg EquipmentConfig, cache *rules.Cache) (*Equipment, error) {
	eq := &Equipment{
		Name:     name,
		Code:     cfg.Code,
		Metadata: cfg.Metadata,
		symtable: make(map[string]interface{}),
	}

	catalog := make(map[string]bool, len(cfg.Tags))
	for _, tc := range cfg.Tags {
		t := Tag{Name: tc.Name, Address: tc.PLCAddress, Type: TagType(tc.Type)}
		switch t.Type {
		case TagInt, TagFloat, TagBool, TagString:
		default:
			return nil, fmt.Errorf("equipment %s: tag %s has unknown type %q", name, t.Name, tc.Type)
		}
		eq.Tags = append(eq.Tags, t)
		catalog[t.Name] = true
	}

	for _, rc := range cfg.EventRules {
		prog, err := cache.Compile(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("equipment %s: rule %s: %w", name, rc.Name, err)
		}

		idents, err := rules.Identifiers(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("equipment %s: rule %s: %w", name, rc.Name, err)
		}
		for _, id := range idents {
			if !catalog[id] {
				return nil, fmt.Errorf("equipment %s: rule %s references unknown tag %q", name, rc.Name, id)
			}
		}
		if rc.Output != "" && !catalog[rc.Output] {
			return nil, fmt.Errorf("equipment %s: rule %s declares unknown output tag %q", name, rc.Name, rc.Output)
		}

		eq.Rules = append(eq.Rules, &Rule{
			Name:       rc.Name,
			Source:     rc.Expression,
			Program:    prog,
			RoutingKey: rc.RoutingKey,
			Output:     rc.Output,
		})
	}

	return eq, nil
}

// BuildAll constructs every equipment in a config map, sorted by name so the
// evaluation order is stable across runs.
func BuildAll(cfg map[string]EquipmentConfig, cache *rules.Cache) ([]*Equipment, error) {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	equipments := make([]*Equipment, 0, len(names))
	for _, name := range names {
		eq, err := NewEquipment(name, cfg[name], cache)
		if err != nil {
			return nil, err
		}
		equipments = append(equipments, eq)
	}
	return equipments, nil
}

// UpdateValues merges a reading snapshot into the symbol table. Merge, not
// replace: tags absent from a partial drain keep their last value.
func (e *Equipment) UpdateValues(values map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, v := range values {
		e.symtable[name] = v
	}
}

// Snapshot returns a copy of the symbol table for evaluation. An empty map
// means no reading has ever arrived for this equipment.
func (e *Equipment) Snapshot() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[string]interface{}, len(e.symtable))
	for name, v := range e.symtable {
		snap[name] = v
	}
	return snap
}

// Value returns the current symbol-table value for a tag name.
func (e *Equipment) Value(tag string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.symtable[tag]
	return v, ok
}
