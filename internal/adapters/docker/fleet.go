package docker

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// Member is one endpoint of a Fleet.
type Member struct {
	InstanceID string
	Service    ports.ContainerService
}

// Fleet routes container operations to the endpoint named by the
// container's instance ID and lists the union of all endpoints.
type Fleet struct {
	order   []string
	members map[string]ports.ContainerService
}

// NewFleet creates a router over members. Instance IDs must be unique.
func NewFleet(members ...Member) (*Fleet, error) {
	f := &Fleet{members: make(map[string]ports.ContainerService, len(members))}
	for _, m := range members {
		if m.InstanceID == "" {
			return nil, errors.New("endpoint instance id is required")
		}
		if _, dup := f.members[m.InstanceID]; dup {
			return nil, errors.Newf("duplicate endpoint %q", m.InstanceID)
		}
		f.members[m.InstanceID] = m.Service
		f.order = append(f.order, m.InstanceID)
	}
	return f, nil
}

// Len returns the number of endpoints.
func (f *Fleet) Len() int {
	return len(f.order)
}

func (f *Fleet) member(instanceID string) (ports.ContainerService, error) {
	svc, ok := f.members[instanceID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "endpoint %q", instanceID)
	}
	return svc, nil
}

// ListContainers lists every endpoint concurrently. One unreachable
// endpoint fails the whole listing.
func (f *Fleet) ListContainers(ctx context.Context) ([]domain.Container, error) {
	lists := make([][]domain.Container, len(f.order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range f.order {
		svc := f.members[id]
		g.Go(func() error {
			list, err := svc.ListContainers(gctx)
			if err != nil {
				return errors.Wrapf(err, "endpoint %q", id)
			}
			lists[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []domain.Container
	for _, list := range lists {
		all = append(all, list...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].InstanceID != all[j].InstanceID {
			return all[i].InstanceID < all[j].InstanceID
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

func (f *Fleet) InspectContainer(ctx context.Context, ref domain.ContainerRef) (domain.ContainerSpec, error) {
	svc, err := f.member(ref.InstanceID)
	if err != nil {
		return domain.ContainerSpec{}, err
	}
	return svc.InspectContainer(ctx, ref)
}

func (f *Fleet) StopContainer(ctx context.Context, ref domain.ContainerRef) error {
	svc, err := f.member(ref.InstanceID)
	if err != nil {
		return err
	}
	return svc.StopContainer(ctx, ref)
}

func (f *Fleet) PullImage(ctx context.Context, instanceID, image string) error {
	svc, err := f.member(instanceID)
	if err != nil {
		return err
	}
	return svc.PullImage(ctx, instanceID, image)
}

func (f *Fleet) RemoveContainer(ctx context.Context, ref domain.ContainerRef) error {
	svc, err := f.member(ref.InstanceID)
	if err != nil {
		return err
	}
	return svc.RemoveContainer(ctx, ref)
}

func (f *Fleet) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	svc, err := f.member(spec.InstanceID)
	if err != nil {
		return "", err
	}
	return svc.CreateContainer(ctx, spec)
}

func (f *Fleet) StartContainer(ctx context.Context, ref domain.ContainerRef) error {
	svc, err := f.member(ref.InstanceID)
	if err != nil {
		return err
	}
	return svc.StartContainer(ctx, ref)
}

func (f *Fleet) ContainerStatus(ctx context.Context, ref domain.ContainerRef) (domain.ContainerStatus, error) {
	svc, err := f.member(ref.InstanceID)
	if err != nil {
		return "", err
	}
	return svc.ContainerStatus(ctx, ref)
}
