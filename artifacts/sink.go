// Package artifacts persists retrieval evaluation artifacts.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/poalegal/retrieval"
)

var (
	ErrQueueFull = errors.New("artifacts: dispatch queue full")
	ErrClosed    = errors.New("artifacts: dispatcher closed")
	ErrNoSinks   = errors.New("artifacts: no sinks configured")
)

// Sink stores one artifact.
type Sink interface {
	Name() string
	Save(ctx context.Context, a *retrieval.StorableArtifact) error
}

// Encode renders the artifact as JSON.
func Encode(a *retrieval.StorableArtifact) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding artifact %s: %w", a.ArtifactID, err)
	}
	return data, nil
}

// Fanout writes to every sink concurrently. Errors from all sinks are
// joined; one failing sink does not stop the others.
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Save(ctx context.Context, a *retrieval.StorableArtifact) error {
	if len(f.sinks) == 0 {
		return ErrNoSinks
	}
	errs := make([]error, len(f.sinks))
	var g errgroup.Group
	for i, s := range f.sinks {
		g.Go(func() error {
			if err := s.Save(ctx, a); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Sinks returns the combined sinks.
func (f *Fanout) Sinks() []Sink { return append([]Sink(nil), f.sinks...) }

func timestamp(a *retrieval.StorableArtifact) time.Time {
	t, err := time.Parse(time.RFC3339Nano, a.Timestamp)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
