// Package param resolves verification parameter names such as "T2m" or
// "AccPcp6h" into their base name, accumulation window, units and default
// quality-control settings.
package param

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/couchcryptid/point-verif/internal/domain"
)

// accumRe matches accumulated parameter names: an optional "Acc" prefix, the
// base name and a window in hours.
var accumRe = regexp.MustCompile(`(?i)^(acc)?([a-z][a-z0-9]*?)(\d+)h$`)

// Resolver parses parameter names against the built-in catalog.
type Resolver struct{}

// NewResolver creates a catalog resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve returns the parameter for name. Plain base names are matched
// case-insensitively; accumulated names are canonicalised to "Acc<base><n>h".
func (r *Resolver) Resolve(name string) (domain.Parameter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Parameter{}, &domain.ConfigError{Field: "parameter", Value: name, Msg: "parameter name is empty"}
	}

	if d, ok := lookup(name); ok {
		return d.parameter(d.Name, 0), nil
	}

	m := accumRe.FindStringSubmatch(name)
	if m == nil {
		return domain.Parameter{}, unknown(name)
	}
	d, ok := lookup(m[2])
	if !ok {
		return domain.Parameter{}, unknown(name)
	}
	if !d.Accumulable {
		return domain.Parameter{}, &domain.ConfigError{
			Field: "parameter", Value: name,
			Msg: fmt.Sprintf("%s cannot be accumulated", d.Name),
		}
	}
	hours, err := strconv.Atoi(m[3])
	if err != nil || hours <= 0 {
		return domain.Parameter{}, &domain.ConfigError{Field: "parameter", Value: name, Msg: "accumulation window must be a positive number of hours"}
	}
	return d.parameter(fmt.Sprintf("Acc%s%dh", d.Name, hours), hours), nil
}

func (d Definition) parameter(fullName string, accumHours int) domain.Parameter {
	return domain.Parameter{
		FullName:   fullName,
		BaseName:   d.Name,
		AccumHours: accumHours,
		Units:      d.Units,
		Bounds:     d.Bounds,
		NumSD:      d.numSD(),
	}
}

func unknown(name string) error {
	return &domain.ConfigError{Field: "parameter", Value: name, Msg: "unknown parameter; run `verify params` for the supported list"}
}
