package intents

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// ApplyReport lists what Apply changed, by intent name.
type ApplyReport struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

// Apply upserts every intent from source by name. Intents not present in
// the source are left alone. Validation errors abort before any write.
func (s *Service) Apply(ctx context.Context, source ports.IntentSource) (*ApplyReport, error) {
	desired, err := source.LoadIntents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load intents")
	}

	seen := make(map[string]bool, len(desired))
	for _, intent := range desired {
		intent.Normalize()
		if err := intent.Validate(); err != nil {
			return nil, errors.Wrapf(err, "intent %q", intent.Name)
		}
		if seen[intent.Name] {
			return nil, domain.NewValidationError("name", "duplicate intent %q in source", intent.Name)
		}
		seen[intent.Name] = true
	}

	report := &ApplyReport{Created: []string{}, Updated: []string{}}
	for _, intent := range desired {
		existing, err := s.intents.GetIntentByName(ctx, intent.Name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if _, err := s.CreateIntent(ctx, intent); err != nil {
				return report, err
			}
			report.Created = append(report.Created, intent.Name)
		case err != nil:
			return report, err
		default:
			if _, err := s.UpdateIntent(ctx, existing.ID, intent); err != nil {
				return report, err
			}
			report.Updated = append(report.Updated, intent.Name)
		}
	}
	s.logger.Infow("Intents applied", "created", len(report.Created), "updated", len(report.Updated))
	return report, nil
}
