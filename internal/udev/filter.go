package udev

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/ydb-platform/udevfs/internal/mux"
)

type predicateKind int

// Kinds are ordered by the cost of evaluating them on a candidate.
const (
	subsystemPredicate predicateKind = iota
	subtreePredicate
	propertyPredicate
	attributePredicate
)

// Predicate is one condition of a Filter.
type Predicate struct {
	kind  predicateKind
	key   string
	value string
}

// MatchSubsystem accepts devices of the named subsystem.
func MatchSubsystem(name string) Predicate {
	return Predicate{kind: subsystemPredicate, value: name}
}

// MatchProperty accepts devices whose property key equals value.
func MatchProperty(key, value string) Predicate {
	return Predicate{kind: propertyPredicate, key: key, value: value}
}

// MatchAttribute accepts devices whose attribute, read as trimmed text,
// equals value. Evaluating it costs a read per candidate.
func MatchAttribute(name, value string) Predicate {
	return Predicate{kind: attributePredicate, key: name, value: value}
}

// MatchSubtree accepts the device at syspath and every device below it.
func MatchSubtree(syspath string) Predicate {
	return Predicate{kind: subtreePredicate, value: filepath.Clean(syspath)}
}

func (p Predicate) String() string {
	switch p.kind {
	case subsystemPredicate:
		return "subsystem==" + p.value
	case subtreePredicate:
		return "subtree==" + p.value
	case propertyPredicate:
		return "property[" + p.key + "]==" + p.value
	case attributePredicate:
		return "attribute[" + p.key + "]==" + p.value
	}
	return "?"
}

func (p Predicate) Func() mux.FilterFunc[Device] {
	switch p.kind {
	case subsystemPredicate:
		return func(d Device) bool {
			return d.Subsystem() == p.value
		}
	case subtreePredicate:
		return func(d Device) bool {
			path := d.Syspath()
			return path == p.value || strings.HasPrefix(path, p.value+string(filepath.Separator))
		}
	case propertyPredicate:
		return func(d Device) bool {
			value, found := d.PropertyValue(p.key)
			return found && value == p.value
		}
	case attributePredicate:
		return func(d Device) bool {
			return d.SystemAttribute(p.key) == p.value
		}
	}
	return mux.Not(mux.Any[Device]())
}

// Filter is a conjunction: a device matches when it satisfies every
// predicate. The empty Filter matches everything. Disjunctions are expressed
// by enumerating once per alternative.
type Filter []Predicate

// Func compiles the filter, cheapest predicates first. The order only
// affects cost, never the result.
func (f Filter) Func() mux.FilterFunc[Device] {
	ordered := append(Filter(nil), f...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].kind < ordered[j].kind
	})
	funcs := make([]mux.FilterFunc[Device], 0, len(ordered))
	for _, p := range ordered {
		funcs = append(funcs, p.Func())
	}
	return mux.And(funcs...)
}

func (f Filter) values(kind predicateKind) []string {
	var values []string
	for _, p := range f {
		if p.kind == kind {
			values = append(values, p.value)
		}
	}
	return values
}

func (f Filter) Subsystems() []string {
	return f.values(subsystemPredicate)
}

func (f Filter) Subtrees() []string {
	return f.values(subtreePredicate)
}

// withSubtrees returns a copy of f with the subtree roots replaced.
func (f Filter) withSubtrees(resolve func(string) string) Filter {
	out := make(Filter, len(f))
	for i, p := range f {
		if p.kind == subtreePredicate {
			p.value = resolve(p.value)
		}
		out[i] = p
	}
	return out
}
