package domain

import (
	"log/slog"
	"maps"
	"strconv"
	"strings"
)

// UnshiftedSuffix marks the synthetic copy of a shifted model that keeps its
// original cycle times.
const UnshiftedSuffix = "_unshifted"

// VariantConfig is the raw per-model option set of a verification run.
type VariantConfig struct {
	Models        []string
	Lag           OptionValue[LagSpec]
	Shift         OptionValue[int]
	KeepUnshifted bool
	Scale         OptionValue[ScaleSpec]
	Members       OptionValue[[]int]
	FileTemplate  OptionValue[string]
	LagForecast   LagForecastSpec
}

// Variants is the effective working set of models with every option resolved
// to concrete per-model values.
type Variants struct {
	Models        ModelSet
	Lags          map[string]LagSpec
	Shifts        map[string]int
	Scales        map[string]ScaleSpec
	Members       map[string]ModelOption[[]int]
	FileTemplates map[string]string
	// LagModels lists the models lagged onto parent cycles, with their parents.
	LagModels    map[string]bool
	ParentCycles []int
	// Unshifted maps each synthetic "<model>_unshifted" name to its parent.
	Unshifted map[string]string

	keepUnshifted bool
	preShiftLags  map[string]LagSpec
}

// ResolveVariants expands cfg into the effective model working set. Shifts
// override the lag of the shifted models; with KeepUnshifted a
// "<model>_unshifted" sibling copying the parent's pre-shift options is added
// for every shifted model.
func ResolveVariants(cfg VariantConfig, logger *slog.Logger) (*Variants, error) {
	models, err := NewModelSet(cfg.Models...)
	if err != nil {
		return nil, err
	}

	v := &Variants{
		Models:        models,
		Lags:          make(map[string]LagSpec, len(models)),
		Shifts:        make(map[string]int),
		Scales:        make(map[string]ScaleSpec),
		Members:       make(map[string]ModelOption[[]int]),
		FileTemplates: make(map[string]string),
		LagModels:     make(map[string]bool),
		Unshifted:     make(map[string]string),
		keepUnshifted: cfg.KeepUnshifted,
	}

	lags, err := cfg.Lag.Resolve("lag", models)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		v.Lags[m] = ZeroLag
		if opt, ok := lags.Values[m]; ok {
			v.Lags[m] = opt.Value
		}
	}
	warnInferred(logger, "lag", lags.Inferred)

	scales, err := cfg.Scale.Resolve("scale_fcst", models)
	if err != nil {
		return nil, err
	}
	for m, opt := range scales.Values {
		if err := opt.Value.Validate("scale_fcst." + m); err != nil {
			return nil, err
		}
		v.Scales[m] = opt.Value
	}
	warnInferred(logger, "scale_fcst", scales.Inferred)

	members, err := cfg.Members.Resolve("members", models)
	if err != nil {
		return nil, err
	}
	for m, opt := range members.Values {
		v.Members[m] = opt
	}
	warnInferred(logger, "members", members.Inferred)

	templates, err := cfg.FileTemplate.Resolve("file_template", models)
	if err != nil {
		return nil, err
	}
	for m, opt := range templates.Values {
		v.FileTemplates[m] = opt.Value
	}
	warnInferred(logger, "file_template", templates.Inferred)

	shifts, err := cfg.Shift.Resolve("shifts", models)
	if err != nil {
		return nil, err
	}
	for m, opt := range shifts.Values {
		if opt.Value < 0 {
			return nil, configErrorf("shifts", strconv.Itoa(opt.Value), "shift for %s must not be negative", m)
		}
		if opt.Value != 0 {
			v.Shifts[m] = opt.Value
		}
	}
	warnInferred(logger, "shifts", shifts.Inferred)

	if err := cfg.LagForecast.Validate(models); err != nil {
		return nil, err
	}
	for _, m := range cfg.LagForecast.Models {
		v.LagModels[m] = true
	}
	v.ParentCycles = append(v.ParentCycles, cfg.LagForecast.ParentCycles...)

	// Siblings copy the parent's options before the shift rewrites its lag.
	v.ExpandUnshifted()
	v.preShiftLags = maps.Clone(v.Lags)

	for m, hours := range v.Shifts {
		if !v.Lags[m].IsZero() && logger != nil {
			logger.Warn("shift replaces lag when lags are merged on read; without merging the lag is kept and then shifted",
				"model", m, "lag", v.Lags[m].String(), "shift", hours)
		}
		v.Lags[m] = LagFromHours(hours, v.Lags[m].Unit)
	}

	return v, nil
}

// ExpandUnshifted adds a "<model>_unshifted" sibling for every shifted model
// when keep-unshifted was requested. Siblings already in the set are mapped to
// their shifted parent and nothing is added, so applying it repeatedly is
// safe.
func (v *Variants) ExpandUnshifted() {
	if len(v.Shifts) == 0 {
		return
	}
	existing := false
	for _, m := range v.Models {
		if !strings.HasSuffix(m, UnshiftedSuffix) {
			continue
		}
		existing = true
		parent := StripUnshifted(m)
		if _, shifted := v.Shifts[parent]; shifted && v.Models.Contains(parent) {
			v.Unshifted[m] = parent
			delete(v.Shifts, m)
		}
	}
	if existing || !v.keepUnshifted {
		return
	}

	for _, parent := range v.Models.Clone() {
		if _, shifted := v.Shifts[parent]; !shifted {
			continue
		}
		sibling := parent + UnshiftedSuffix
		v.Models.Add(sibling)
		v.Unshifted[sibling] = parent
		v.Lags[sibling] = v.Lags[parent]
		if s, ok := v.Scales[parent]; ok {
			v.Scales[sibling] = s
		}
		if mem, ok := v.Members[parent]; ok {
			v.Members[sibling] = mem.clone()
		}
		if tpl, ok := v.FileTemplates[parent]; ok {
			v.FileTemplates[sibling] = tpl
		}
		if v.LagModels[parent] {
			v.LagModels[sibling] = true
		}
	}
}

// Clone returns a deep copy of the variants.
func (v *Variants) Clone() *Variants {
	out := *v
	out.Models = v.Models.Clone()
	out.Lags = maps.Clone(v.Lags)
	out.Shifts = maps.Clone(v.Shifts)
	out.Scales = maps.Clone(v.Scales)
	out.Members = make(map[string]ModelOption[[]int], len(v.Members))
	for k, m := range v.Members {
		out.Members[k] = m.clone()
	}
	out.FileTemplates = maps.Clone(v.FileTemplates)
	out.LagModels = maps.Clone(v.LagModels)
	out.ParentCycles = append([]int(nil), v.ParentCycles...)
	out.Unshifted = maps.Clone(v.Unshifted)
	out.preShiftLags = maps.Clone(v.preShiftLags)
	return &out
}

// BaseModels returns the models that are read from storage, i.e. the working
// set without synthetic unshifted siblings.
func (v *Variants) BaseModels() ModelSet {
	out := make(ModelSet, 0, len(v.Models))
	for _, m := range v.Models {
		if _, synthetic := v.Unshifted[m]; !synthetic {
			out = append(out, m)
		}
	}
	return out
}

// UnshiftedLags returns the lag of every base model as it was before shifts
// were applied.
func (v *Variants) UnshiftedLags() map[string]LagSpec {
	out := make(map[string]LagSpec, len(v.Models))
	for _, m := range v.BaseModels() {
		if l, ok := v.preShiftLags[m]; ok {
			out[m] = l
			continue
		}
		out[m] = v.Lags[m]
	}
	return out
}

// StripUnshifted removes the unshifted suffix from a model name.
func StripUnshifted(model string) string {
	if strings.HasSuffix(model, UnshiftedSuffix) && len(model) > len(UnshiftedSuffix) {
		return strings.TrimSuffix(model, UnshiftedSuffix)
	}
	return model
}

func warnInferred(logger *slog.Logger, field, inferred string) {
	if logger == nil || inferred == "" {
		return
	}
	logger.Warn("option names inferred from model order", "option", field, "mode", inferred)
}
