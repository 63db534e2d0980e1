package domain

import (
	"fmt"
	"maps"
	"slices"
)

// OptionKind tags the shape an option value was supplied in.
type OptionKind int

const (
	OptionUnset OptionKind = iota
	// OptionScalar is a single unnamed value broadcast to every model.
	OptionScalar
	// OptionPositional is an unnamed list matched to models by position.
	OptionPositional
	// OptionPerModel is a mapping keyed by model name.
	OptionPerModel
	// OptionPerSubModel is a mapping of model name to sub-model name to value.
	OptionPerSubModel
)

func (k OptionKind) String() string {
	switch k {
	case OptionScalar:
		return "scalar"
	case OptionPositional:
		return "positional"
	case OptionPerModel:
		return "per-model"
	case OptionPerSubModel:
		return "per-sub-model"
	default:
		return "unset"
	}
}

// OptionValue is a per-model option in one of the supported shapes. The zero
// value is unset.
type OptionValue[V any] struct {
	kind        OptionKind
	scalar      V
	positional  []V
	perModel    map[string]V
	perSubModel map[string]map[string]V
}

// Scalar wraps a single value to be broadcast to every model.
func Scalar[V any](v V) OptionValue[V] {
	return OptionValue[V]{kind: OptionScalar, scalar: v}
}

// Positional wraps an unnamed list of values matched to models by order.
func Positional[V any](vs ...V) OptionValue[V] {
	return OptionValue[V]{kind: OptionPositional, positional: slices.Clone(vs)}
}

// PerModel wraps a mapping from model name to value.
func PerModel[V any](m map[string]V) OptionValue[V] {
	return OptionValue[V]{kind: OptionPerModel, perModel: maps.Clone(m)}
}

// PerSubModel wraps a mapping from model name to sub-model name to value.
func PerSubModel[V any](m map[string]map[string]V) OptionValue[V] {
	cp := make(map[string]map[string]V, len(m))
	for k, v := range m {
		cp[k] = maps.Clone(v)
	}
	return OptionValue[V]{kind: OptionPerSubModel, perSubModel: cp}
}

// Kind returns the shape of the option.
func (o OptionValue[V]) Kind() OptionKind { return o.kind }

// IsSet reports whether a value was supplied.
func (o OptionValue[V]) IsSet() bool { return o.kind != OptionUnset }

// Names returns the model names an explicitly named option refers to.
func (o OptionValue[V]) Names() []string {
	switch o.kind {
	case OptionPerModel:
		return slices.Sorted(maps.Keys(o.perModel))
	case OptionPerSubModel:
		return slices.Sorted(maps.Keys(o.perSubModel))
	default:
		return nil
	}
}

// ModelOption is an option resolved for one model. SubModels overrides Value
// for individual sub-models of a multi-model ensemble.
type ModelOption[V any] struct {
	Value     V
	SubModels map[string]V
}

// For returns the value for a sub-model, falling back to the model value.
func (m ModelOption[V]) For(subModel string) V {
	if v, ok := m.SubModels[subModel]; ok {
		return v
	}
	return m.Value
}

func (m ModelOption[V]) clone() ModelOption[V] {
	m.SubModels = maps.Clone(m.SubModels)
	return m
}

// Resolution describes how an option was mapped onto models.
type Resolution[V any] struct {
	Values map[string]ModelOption[V]
	// Inferred is "broadcast" or "positional" when an unnamed list had to be
	// mapped onto names; callers log it as a warning.
	Inferred string
}

// Resolve maps the option onto models. Named keys must all be members of
// models. An unnamed list of one value is broadcast; a list with one value per
// model is matched by position; any other length is a ConfigError.
func (o OptionValue[V]) Resolve(field string, models ModelSet) (Resolution[V], error) {
	res := Resolution[V]{Values: make(map[string]ModelOption[V], len(models))}
	switch o.kind {
	case OptionUnset:
		return res, nil
	case OptionScalar:
		for _, m := range models {
			res.Values[m] = ModelOption[V]{Value: o.scalar}
		}
	case OptionPositional:
		switch {
		case len(o.positional) == 1:
			for _, m := range models {
				res.Values[m] = ModelOption[V]{Value: o.positional[0]}
			}
			if len(models) > 1 {
				res.Inferred = "broadcast"
			}
		case len(o.positional) == len(models):
			for i, m := range models {
				res.Values[m] = ModelOption[V]{Value: o.positional[i]}
			}
			res.Inferred = "positional"
		default:
			return res, configErrorf(field, fmt.Sprintf("%v", o.positional),
				"got %d unnamed values for %d models; name them by model", len(o.positional), len(models))
		}
	case OptionPerModel:
		for name, v := range o.perModel {
			if !models.Contains(name) {
				return res, configErrorf(field, name, "not found in requested models %v", []string(models))
			}
			res.Values[name] = ModelOption[V]{Value: v}
		}
	case OptionPerSubModel:
		for name, subs := range o.perSubModel {
			if !models.Contains(name) {
				return res, configErrorf(field, name, "not found in requested models %v", []string(models))
			}
			res.Values[name] = ModelOption[V]{SubModels: maps.Clone(subs)}
		}
	}
	return res, nil
}
