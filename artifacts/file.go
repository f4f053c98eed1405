package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brunobiangulo/poalegal/retrieval"
)

var ErrArtifactNotFound = errors.New("artifacts: artifact not found")

// FileSink writes each artifact as <dir>/<date>/<artifact_id>.json.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("artifacts: file sink directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Save(ctx context.Context, a *retrieval.StorableArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.ArtifactID == "" || strings.ContainsAny(a.ArtifactID, `/\`) {
		return fmt.Errorf("artifacts: invalid artifact id %q", a.ArtifactID)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", a.ArtifactID, err)
	}

	day := filepath.Join(s.dir, timestamp(a).Format("2006-01-02"))
	if err := os.MkdirAll(day, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(day, ".artifact-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(day, a.ArtifactID+".json")); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming artifact: %w", err)
	}
	return nil
}

// Load finds an artifact by id in any date directory.
func (s *FileSink) Load(_ context.Context, id string) (*retrieval.StorableArtifact, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrArtifactNotFound, id)
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*", id+".json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	var a retrieval.StorableArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", id, err)
	}
	return &a, nil
}
