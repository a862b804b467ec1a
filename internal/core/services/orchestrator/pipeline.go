package orchestrator

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

func stepErr(step domain.Step, c domain.Container, err error) error {
	return &domain.PipelineError{Step: step, Container: c.Name, Err: err}
}

// call runs one endpoint call under the endpoint retry policy.
func (r *run) call(fn func(ctx context.Context) error) error {
	ctx, cancel := r.stepContext()
	defer cancel()
	err := r.o.endpointPolicy.Do(ctx, fn)
	if domain.IsRateLimitExceeded(err) {
		r.abortWith(err)
	}
	return err
}

// present reports whether the container still exists on its endpoint.
func (r *run) present(c domain.Container) (bool, error) {
	ctx, cancel := r.stepContext()
	defer cancel()
	st, err := retry.Run(ctx, r.o.endpointPolicy, func(ctx context.Context) (domain.ContainerStatus, error) {
		return r.o.containers.ContainerStatus(ctx, c.Ref())
	})
	if err != nil {
		if domain.IsRateLimitExceeded(err) {
			r.abortWith(err)
		}
		return false, err
	}
	return st != domain.ContainerMissing, nil
}

// resolve looks up the newest published digest of the container's image.
func (r *run) resolve(c domain.Container) (domain.ImageVersion, error) {
	ctx, cancel := r.stepContext()
	defer cancel()
	v, err := retry.Run(ctx, r.o.registryPolicy, func(ctx context.Context) (domain.ImageVersion, error) {
		return r.o.registry.ResolveLatest(ctx, c.Image)
	})
	if err != nil {
		if domain.IsRateLimitExceeded(err) {
			r.abortWith(err)
		}
		return v, err
	}
	if v.Digest == "" {
		return v, errors.Newf("registry returned no digest for %s", c.Image)
	}
	return v, nil
}

func (r *run) inspect(c domain.Container) (domain.ContainerSpec, error) {
	var spec domain.ContainerSpec
	err := r.call(func(ctx context.Context) error {
		var err error
		spec, err = r.o.containers.InspectContainer(ctx, c.Ref())
		return err
	})
	return spec, err
}

// waitReady polls the container status until it reports running.
func (r *run) waitReady(ref domain.ContainerRef) error {
	deadline := r.o.clock.NewTimer(r.o.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := r.o.clock.NewTicker(r.o.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := r.stepContext()
		st, err := r.o.containers.ContainerStatus(ctx, ref)
		cancel()
		if err == nil {
			switch st {
			case domain.ContainerRunning:
				return nil
			case domain.ContainerMissing:
				return errors.New("container disappeared while starting")
			}
		}
		select {
		case <-deadline.Chan():
			return errors.Wrapf(domain.ErrReadyTimeout, "after %s", r.o.cfg.ReadyTimeout)
		case <-ticker.Chan():
		}
	}
}

// replace runs stop, pull, remove, create, start and the readiness wait.
// On failure it returns the step that failed. The old container still
// exists when that step is stopping, pulling or removing.
func (r *run) replace(c domain.Container, spec domain.ContainerSpec) (string, domain.Step, error) {
	ref := c.Ref()
	if err := r.call(func(ctx context.Context) error { return r.o.containers.StopContainer(ctx, ref) }); err != nil {
		return "", domain.StepStopping, err
	}
	if err := r.call(func(ctx context.Context) error { return r.o.containers.PullImage(ctx, c.InstanceID, c.Image) }); err != nil {
		return "", domain.StepPulling, err
	}
	if err := r.call(func(ctx context.Context) error { return r.o.containers.RemoveContainer(ctx, ref) }); err != nil {
		return "", domain.StepRemoving, err
	}

	spec.Image = c.Image
	var newID string
	if err := r.call(func(ctx context.Context) error {
		var err error
		newID, err = r.o.containers.CreateContainer(ctx, spec)
		return err
	}); err != nil {
		return "", domain.StepCreating, err
	}

	newRef := domain.ContainerRef{InstanceID: c.InstanceID, ID: newID}
	if err := r.call(func(ctx context.Context) error { return r.o.containers.StartContainer(ctx, newRef) }); err != nil {
		return newID, domain.StepStarting, err
	}
	if err := r.waitReady(newRef); err != nil {
		return newID, domain.StepWaitingReady, err
	}
	return newID, domain.StepSucceeded, nil
}

// runSingle upgrades one container that has no network dependents.
func (r *run) runSingle(t target) {
	c := t.container
	out := outcome{target: c, oldImage: currentImage(c), started: r.o.clock.Now()}
	fail := func(step domain.Step, err error) {
		out.status = domain.ResultFailed
		out.err = stepErr(step, c, err)
		r.record(out)
	}
	skip := func(msg string) {
		out.status = domain.ResultSkipped
		out.message = msg
		r.record(out)
	}

	ok, err := r.present(c)
	if err != nil {
		fail(domain.StepPending, err)
		return
	}
	if !ok {
		skip("container no longer present")
		return
	}

	v, err := r.resolve(c)
	if err != nil {
		fail(domain.StepResolving, err)
		return
	}
	out.newImage = domain.PinnedImage(c.Image, v.Digest)

	if r.dryRun {
		out.status = domain.ResultDryRun
		r.record(out)
		return
	}
	if c.HasDigest(v.Digest) {
		skip("already up to date")
		return
	}
	if r.stopped() {
		skip("not started: " + r.stopCause().Error())
		return
	}

	spec, err := r.inspect(c)
	if err != nil {
		fail(domain.StepResolving, err)
		return
	}
	if _, step, err := r.replace(c, spec); err != nil {
		fail(step, err)
		return
	}

	out.status = domain.ResultUpgraded
	r.record(out)
	r.o.logger.Infow("Container upgraded",
		"execution_id", r.id, "container", c.Name, "old_image", out.oldImage, "new_image", out.newImage)
}

// dependent tracks one attached container through a provider upgrade.
type dependent struct {
	target
	spec       domain.ContainerSpec
	version    domain.ImageVersion
	resolveErr error
	stopped    bool
	removed    bool
}

func (d *dependent) wantsUpgrade() bool {
	return d.upgrade && d.resolveErr == nil && !d.container.HasDigest(d.version.Digest)
}

func (d *dependent) newImage() string {
	if d.upgrade && d.resolveErr == nil {
		return domain.PinnedImage(d.container.Image, d.version.Digest)
	}
	return currentImage(d.container)
}

// runNetworkUnit upgrades a network provider and recreates every
// container attached to its namespace once the new provider is ready.
func (r *run) runNetworkUnit(u *unit) {
	p := u.primary.container
	started := r.o.clock.Now()
	provider := outcome{target: p, oldImage: currentImage(p), started: started}

	deps := make([]*dependent, len(u.dependents))
	for i, t := range u.dependents {
		deps[i] = &dependent{target: t}
	}
	depOutcome := func(d *dependent, status domain.ResultStatus, msg string, err error) {
		r.record(outcome{
			target: d.container, status: status, oldImage: currentImage(d.container),
			newImage: d.newImage(), message: msg, err: err, started: started,
		})
	}
	untouched := func(msg string) {
		for _, d := range deps {
			depOutcome(d, domain.ResultSkipped, msg, nil)
		}
	}

	if u.planErr != nil {
		provider.status = domain.ResultFailed
		provider.err = u.planErr
		r.record(provider)
		for _, d := range deps {
			depOutcome(d, domain.ResultFailed, "", u.planErr)
		}
		return
	}

	ok, err := r.present(p)
	if err != nil || !ok {
		provider.status = domain.ResultSkipped
		provider.message = "container no longer present"
		if err != nil {
			provider.status = domain.ResultFailed
			provider.err = stepErr(domain.StepPending, p, err)
		}
		r.record(provider)
		untouched(fmt.Sprintf("network provider %s not upgraded", p.Name))
		return
	}

	pv, err := r.resolve(p)
	if err != nil {
		provider.status = domain.ResultFailed
		provider.err = stepErr(domain.StepResolving, p, err)
		r.record(provider)
		untouched(fmt.Sprintf("network provider %s not upgraded", p.Name))
		return
	}
	provider.newImage = domain.PinnedImage(p.Image, pv.Digest)
	for _, d := range deps {
		if d.upgrade {
			d.version, d.resolveErr = r.resolve(d.container)
		}
	}

	if r.dryRun {
		provider.status = domain.ResultDryRun
		r.record(provider)
		for _, d := range deps {
			if d.resolveErr != nil {
				depOutcome(d, domain.ResultFailed, "", stepErr(domain.StepResolving, d.container, d.resolveErr))
				continue
			}
			depOutcome(d, domain.ResultDryRun, "", nil)
		}
		return
	}

	if p.HasDigest(pv.Digest) {
		provider.status = domain.ResultSkipped
		provider.message = "already up to date"
		r.record(provider)
		for _, d := range deps {
			switch {
			case d.resolveErr != nil:
				depOutcome(d, domain.ResultFailed, "", stepErr(domain.StepResolving, d.container, d.resolveErr))
			case d.wantsUpgrade():
				r.runSingle(d.target)
			case d.upgrade:
				depOutcome(d, domain.ResultSkipped, "already up to date", nil)
			default:
				depOutcome(d, domain.ResultSkipped, "network provider unchanged", nil)
			}
		}
		return
	}

	if r.stopped() {
		r.skipUnit(u, r.stopCause())
		return
	}

	spec, err := r.inspect(p)
	if err != nil {
		provider.status = domain.ResultFailed
		provider.err = stepErr(domain.StepResolving, p, err)
		r.record(provider)
		untouched(fmt.Sprintf("network provider %s not upgraded", p.Name))
		return
	}
	for _, d := range deps {
		if d.spec, err = r.inspect(d.container); err != nil {
			provider.status = domain.ResultFailed
			provider.err = errors.Wrapf(err, "inspecting dependent %s", d.container.Name)
			r.record(provider)
			untouched(fmt.Sprintf("network provider %s not upgraded", p.Name))
			return
		}
	}

	// Detach dependents before the provider goes away.
	var detachErr error
	for _, d := range deps {
		ref := d.container.Ref()
		if err := r.call(func(ctx context.Context) error { return r.o.containers.StopContainer(ctx, ref) }); err != nil {
			detachErr = stepErr(domain.StepStopping, d.container, err)
			break
		}
		d.stopped = true
	}
	if detachErr == nil {
		for _, d := range deps {
			ref := d.container.Ref()
			if err := r.call(func(ctx context.Context) error { return r.o.containers.RemoveContainer(ctx, ref) }); err != nil {
				detachErr = stepErr(domain.StepRemoving, d.container, err)
				break
			}
			d.removed = true
		}
	}
	if detachErr != nil {
		provider.status = domain.ResultFailed
		provider.err = errors.Wrap(detachErr, "detaching network dependents")
		r.record(provider)
		r.restoreDependents(deps, depOutcome, detachErr)
		return
	}

	newID, step, err := r.replace(p, spec)
	if err != nil {
		provider.status = domain.ResultFailed
		provider.err = stepErr(step, p, err)
		r.record(provider)
		switch step {
		case domain.StepStopping, domain.StepPulling, domain.StepRemoving:
			// The old provider still exists; bring it back and reattach.
			pref := p.Ref()
			if serr := r.call(func(ctx context.Context) error { return r.o.containers.StartContainer(ctx, pref) }); serr != nil {
				r.o.logger.Errorw("Failed to restart network provider", "execution_id", r.id, "container", p.Name, "error", serr)
				for _, d := range deps {
					depOutcome(d, domain.ResultFailed, "", errors.Wrapf(serr, "network provider %s could not be restored", p.Name))
				}
				return
			}
			r.restoreDependents(deps, depOutcome, provider.err)
		default:
			for _, d := range deps {
				depOutcome(d, domain.ResultFailed, "", errors.Wrapf(err, "network provider %s upgrade failed at %s", p.Name, step))
			}
		}
		return
	}
	provider.status = domain.ResultUpgraded
	r.record(provider)

	// Reattach to the new provider: create every dependent, then start them.
	created := make([]string, len(deps))
	depErrs := make([]error, len(deps))
	for i, d := range deps {
		image := d.container.Image
		if d.wantsUpgrade() {
			if err := r.call(func(ctx context.Context) error {
				return r.o.containers.PullImage(ctx, d.container.InstanceID, image)
			}); err != nil {
				depErrs[i] = stepErr(domain.StepPulling, d.container, err)
			}
		}
		spec := d.spec
		spec.Image = image
		spec.NetworkMode = domain.NetworkModeFor(newID)
		if err := r.call(func(ctx context.Context) error {
			var err error
			created[i], err = r.o.containers.CreateContainer(ctx, spec)
			return err
		}); err != nil {
			depErrs[i] = stepErr(domain.StepCreating, d.container, err)
		}
	}
	for i, d := range deps {
		if created[i] == "" {
			continue
		}
		ref := domain.ContainerRef{InstanceID: d.container.InstanceID, ID: created[i]}
		if err := r.call(func(ctx context.Context) error { return r.o.containers.StartContainer(ctx, ref) }); err != nil {
			depErrs[i] = stepErr(domain.StepStarting, d.container, err)
			continue
		}
		if err := r.waitReady(ref); err != nil && depErrs[i] == nil {
			depErrs[i] = stepErr(domain.StepWaitingReady, d.container, err)
		}
	}
	for i, d := range deps {
		switch {
		case depErrs[i] != nil:
			depOutcome(d, domain.ResultFailed, "", depErrs[i])
		case d.resolveErr != nil:
			depOutcome(d, domain.ResultFailed, "", stepErr(domain.StepResolving, d.container, d.resolveErr))
		default:
			depOutcome(d, domain.ResultUpgraded, "", nil)
		}
	}
	r.o.logger.Infow("Network provider upgraded",
		"execution_id", r.id, "container", p.Name, "dependents", len(deps), "new_image", provider.newImage)
}

// restoreDependents puts detached dependents back on the original
// provider from their captured specs.
func (r *run) restoreDependents(deps []*dependent, report func(*dependent, domain.ResultStatus, string, error), cause error) {
	msg := fmt.Sprintf("restored after network provider upgrade failed: %v", cause)
	for _, d := range deps {
		switch {
		case d.removed:
			spec := d.spec
			var id string
			err := r.call(func(ctx context.Context) error {
				var err error
				id, err = r.o.containers.CreateContainer(ctx, spec)
				return err
			})
			if err == nil {
				ref := domain.ContainerRef{InstanceID: d.container.InstanceID, ID: id}
				err = r.call(func(ctx context.Context) error { return r.o.containers.StartContainer(ctx, ref) })
			}
			if err != nil {
				report(d, domain.ResultFailed, "", errors.Wrap(err, "restoring dependent"))
				continue
			}
		case d.stopped:
			ref := d.container.Ref()
			if err := r.call(func(ctx context.Context) error { return r.o.containers.StartContainer(ctx, ref) }); err != nil {
				report(d, domain.ResultFailed, "", errors.Wrap(err, "restarting dependent"))
				continue
			}
		}
		r.record(outcome{
			target: d.container, status: domain.ResultSkipped, oldImage: currentImage(d.container),
			newImage: currentImage(d.container), message: msg,
		})
	}
}
