package ports

import (
	"context"

	"github.com/melih/lighthouse/internal/core/domain"
)

// InventoryProvider lists the live containers across every endpoint.
type InventoryProvider interface {
	ListContainers(ctx context.Context) ([]domain.Container, error)
}

// ContainerService defines the core operations for managing containers.
// This interface allows us to switch between Docker, Podman, or Kubernetes
// without changing the business logic.
type ContainerService interface {
	InventoryProvider

	// InspectContainer captures what is needed to recreate the container.
	InspectContainer(ctx context.Context, ref domain.ContainerRef) (domain.ContainerSpec, error)
	StopContainer(ctx context.Context, ref domain.ContainerRef) error
	PullImage(ctx context.Context, instanceID, image string) error
	RemoveContainer(ctx context.Context, ref domain.ContainerRef) error
	// CreateContainer returns the ID of the new container.
	CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, ref domain.ContainerRef) error
	ContainerStatus(ctx context.Context, ref domain.ContainerRef) (domain.ContainerStatus, error)
}
