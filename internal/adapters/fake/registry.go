package fake

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Registry is an in-memory ports.RegistryResolver.
type Registry struct {
	mu      sync.Mutex
	latest  map[string]domain.ImageVersion
	errs    map[string]error
	lookups map[string]int
	gate    chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		latest:  make(map[string]domain.ImageVersion),
		errs:    make(map[string]error),
		lookups: make(map[string]int),
	}
}

// SetLatest publishes digest as the newest version of image.
func (r *Registry) SetLatest(image, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[image] = domain.ImageVersion{Digest: digest}
}

// Fail makes every lookup of image return err. A nil err clears the failure.
func (r *Registry) Fail(image string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, image)
		return
	}
	r.errs[image] = err
}

// Lookups returns how often image was resolved.
func (r *Registry) Lookups(image string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups[image]
}

// Hold blocks lookups until the returned release func is called.
func (r *Registry) Hold() (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate := make(chan struct{})
	r.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

// ResolveLatest implements ports.RegistryResolver.
func (r *Registry) ResolveLatest(ctx context.Context, imageRef string) (domain.ImageVersion, error) {
	r.mu.Lock()
	r.lookups[imageRef]++
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.ImageVersion{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[imageRef]; err != nil {
		return domain.ImageVersion{}, err
	}
	v, ok := r.latest[imageRef]
	if !ok {
		return domain.ImageVersion{}, errors.Newf("manifest unknown: %s", imageRef)
	}
	return v, nil
}
