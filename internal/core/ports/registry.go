package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// RegistryResolver looks up the newest digest published for an image reference.
// Implementations return an error matching domain.ErrRateLimited when throttled.
type RegistryResolver interface {
	ResolveLatest(ctx context.Context, imageRef string) (domain.ImageVersion, error)
}
