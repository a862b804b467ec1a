// Package registry resolves the newest digest of an image tag from its
// OCI registry.
package registry

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"golang.org/x/time/rate"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

// Options configures a Resolver.
type Options struct {
	// Insecure allows plain HTTP registries.
	Insecure bool
	// RPS caps outgoing registry requests; zero means unlimited.
	RPS   float64
	Burst int
}

// Resolver implements ports.RegistryResolver with manifest HEAD requests.
type Resolver struct {
	opts      Options
	keychain  authn.Keychain
	transport http.RoundTripper
}

// NewResolver creates a resolver authenticating with the default keychain
// (~/.docker/config.json and credential helpers).
func NewResolver(opts Options) *Resolver {
	var rt http.RoundTripper = remote.DefaultTransport
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		rt = &limitedTransport{base: rt, limiter: rate.NewLimiter(rate.Limit(opts.RPS), burst)}
	}
	return &Resolver{opts: opts, keychain: authn.DefaultKeychain, transport: rt}
}

// ResolveLatest returns the digest the tag of imageRef currently points at.
// A reference without a tag resolves "latest"; a digest reference resolves
// the latest tag of its repository.
func (r *Resolver) ResolveLatest(ctx context.Context, imageRef string) (domain.ImageVersion, error) {
	tag, err := r.tagFor(imageRef)
	if err != nil {
		return domain.ImageVersion{}, retry.Permanent(err)
	}

	desc, err := remote.Head(tag,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(r.keychain),
		remote.WithTransport(r.transport),
		// Retries are owned by the caller's policy.
		remote.WithRetryBackoff(remote.Backoff{Steps: 1}),
	)
	if err != nil {
		return domain.ImageVersion{}, classify(errors.Wrapf(err, "failed to resolve %s", tag))
	}
	return domain.ImageVersion{Digest: desc.Digest.String(), Tag: tag.TagStr()}, nil
}

func (r *Resolver) tagFor(imageRef string) (name.Tag, error) {
	var opts []name.Option
	if r.opts.Insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(imageRef, opts...)
	if err != nil {
		return name.Tag{}, errors.Wrapf(err, "invalid image reference %q", imageRef)
	}
	switch ref := ref.(type) {
	case name.Tag:
		return ref, nil
	case name.Digest:
		return ref.Context().Tag(name.DefaultTag), nil
	}
	return name.Tag{}, errors.Newf("unsupported image reference %q", imageRef)
}

// classify marks throttling as domain.ErrRateLimited and client errors as
// permanent so they are not retried.
func classify(err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return err
	}
	if terr.StatusCode == http.StatusTooManyRequests {
		return errors.Mark(err, domain.ErrRateLimited)
	}
	for _, d := range terr.Errors {
		if d.Code == transport.TooManyRequestsErrorCode {
			return errors.Mark(err, domain.ErrRateLimited)
		}
	}
	switch terr.StatusCode {
	case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return retry.Permanent(err)
	}
	return err
}

// limitedTransport waits on a token bucket before every request.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
