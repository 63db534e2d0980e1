package domain

import (
	"errors"
	"fmt"
)

// ErrNoData is returned once, after every iteration has been processed, when
// none of them produced a usable result.
var ErrNoData = errors.New("no data to verify")

// ErrSkipChunk is the root of every non-fatal per-iteration condition. The
// pipeline logs these and moves on to the next iteration.
var ErrSkipChunk = errors.New("skip chunk")

var (
	ErrAccumulationTooLong = fmt.Errorf("%w: accumulation period longer than lead time", ErrSkipChunk)
	ErrNoForecastData      = fmt.Errorf("%w: no forecast data", ErrSkipChunk)
	ErrNoCommonCases       = fmt.Errorf("%w: no common cases", ErrSkipChunk)
	ErrNoObservations      = fmt.Errorf("%w: no observations match forecasts", ErrSkipChunk)
	ErrEmptyAfterQC        = fmt.Errorf("%w: no cases left after quality control", ErrSkipChunk)
)

// ConfigError is a fatal configuration problem. It always names the offending
// field and value so the caller can fix the run definition.
type ConfigError struct {
	Field string
	Value string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config %s: %s: %q", e.Field, e.Msg, e.Value)
}

// configErrorf builds a ConfigError with a formatted message.
func configErrorf(field, value, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Value: value, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsSkippable reports whether err is a non-fatal per-iteration condition.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrSkipChunk)
}

// SkipReason returns a short label for a skippable error, used as a metric label.
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrAccumulationTooLong):
		return "accumulation"
	case errors.Is(err, ErrNoForecastData):
		return "no_forecast"
	case errors.Is(err, ErrNoCommonCases):
		return "no_common_cases"
	case errors.Is(err, ErrNoObservations):
		return "no_observations"
	case errors.Is(err, ErrEmptyAfterQC):
		return "empty_after_qc"
	default:
		return "other"
	}
}
