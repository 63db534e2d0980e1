// Package sink persists verification results. A Router dispatches each
// destination to the sink registered for its kind:
//
//	out/t2m.json          JSON file
//	out/t2m.xlsx          Excel workbook
//	kafka://verif-results Kafka topic
//	redis://verif:t2m     Redis key
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/point-verif/internal/domain"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

// Kinds of destination understood by the Router.
const (
	KindFile  = "file"
	KindExcel = "excel"
	KindKafka = "kafka"
	KindRedis = "redis"
)

// Router implements pipeline.Sink by dispatching on the destination kind.
type Router struct {
	sinks map[string]pipeline.Sink
}

// NewRouter returns a Router with the JSON file sink registered.
func NewRouter() *Router {
	return &Router{sinks: map[string]pipeline.Sink{KindFile: File{}}}
}

// Register sets the sink used for a destination kind.
func (r *Router) Register(kind string, s pipeline.Sink) {
	r.sinks[kind] = s
}

// Supports reports whether a sink is registered for the destination.
func (r *Router) Supports(dest string) bool {
	_, ok := r.sinks[pipeline.SinkKind(dest)]
	return ok
}

// Persist writes res to dest using the sink registered for its kind.
func (r *Router) Persist(ctx context.Context, res *domain.VerificationResult, dest string) error {
	kind := pipeline.SinkKind(dest)
	s, ok := r.sinks[kind]
	if !ok {
		return &domain.ConfigError{Field: "output", Value: dest, Msg: fmt.Sprintf("no %s sink configured", kind)}
	}
	return s.Persist(ctx, res, dest)
}

// Target strips the scheme from a URL-style destination.
func Target(dest string) string {
	if i := strings.Index(dest, "://"); i > 1 {
		return dest[i+3:]
	}
	return dest
}

// File writes the result as indented JSON.
type File struct{}

// Persist writes res to the file at dest through a temporary file in the
// same directory, so readers never see a partial result.
func (File) Persist(_ context.Context, res *domain.VerificationResult, dest string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
