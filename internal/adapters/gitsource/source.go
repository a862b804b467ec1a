// Package gitsource loads declaratively managed intents from a YAML file
// kept in a git repository or a local directory.
package gitsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/melih/lighthouse/internal/core/domain"
)

// DefaultPath is the intents file looked up at the source root.
const DefaultPath = "intents.yaml"

// Source implements ports.IntentSource.
type Source struct {
	// Location is a git URL or a local directory.
	Location string
	// Path of the intents file relative to the source root.
	Path string
	// Ref is the branch to clone; empty uses the remote HEAD.
	Ref string

	logger *zap.SugaredLogger
}

// New creates a source. A nil logger is allowed.
func New(location, path, ref string, logger *zap.SugaredLogger) *Source {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Source{Location: location, Path: path, Ref: ref, logger: logger}
}

// LoadIntents reads the intents file, cloning the repository first when
// the location is not a local directory.
func (s *Source) LoadIntents(ctx context.Context) ([]*domain.Intent, error) {
	if s.Location == "" {
		return nil, errors.WithHint(errors.New("intent source is not configured"), "set intents.source to a git URL or a directory")
	}
	if info, err := os.Stat(s.Location); err == nil && info.IsDir() {
		return s.read(s.Location)
	}

	tmpDir, err := os.MkdirTemp("", "lighthouse-intents-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp dir")
	}
	defer os.RemoveAll(tmpDir)

	opts := &git.CloneOptions{
		URL:          s.Location,
		Depth:        1,
		SingleBranch: true,
	}
	if s.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.Ref)
	}
	s.logger.Infow("Cloning intent source", "url", s.Location, "ref", s.Ref)
	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		return nil, errors.Wrapf(err, "failed to clone %s", s.Location)
	}
	return s.read(tmpDir)
}

func (s *Source) read(root string) ([]*domain.Intent, error) {
	path := filepath.Join(root, filepath.Clean("/" + s.Path))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", s.Path)
	}
	return Parse(raw)
}

// Parse decodes a YAML list of intents in the API wire shape.
func Parse(raw []byte) ([]*domain.Intent, error) {
	var specs []domain.IntentSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, errors.Wrap(err, "failed to parse intents file")
	}
	intents := make([]*domain.Intent, 0, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return nil, domain.NewValidationError("name", "intent #%d has no name", i+1)
		}
		intents = append(intents, spec.Intent())
	}
	return intents, nil
}
