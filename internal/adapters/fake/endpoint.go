// Package fake provides in-memory container endpoints and registries.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/melih/lighthouse/internal/core/domain"
)

// Call is one recorded mutation or lookup against the Endpoint.
type Call struct {
	Op          string
	Name        string
	Image       string
	NetworkMode string
}

func (c Call) String() string {
	parts := []string{c.Op}
	for _, p := range []string{c.Name, c.Image, c.NetworkMode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type entry struct {
	container domain.Container
	state     string
}

// Endpoint is an in-memory ContainerService. Failures are injected per
// operation and container name with Fail.
type Endpoint struct {
	InstanceID   string
	InstanceName string

	mu         sync.Mutex
	containers map[string]*entry
	digests    map[string]string
	failures   map[string]error
	neverReady map[string]bool
	listErr    error
	calls      []Call
	seq        int
}

// NewEndpoint creates an empty endpoint.
func NewEndpoint(instanceID, instanceName string) *Endpoint {
	return &Endpoint{
		InstanceID:   instanceID,
		InstanceName: instanceName,
		containers:   make(map[string]*entry),
		digests:      make(map[string]string),
		failures:     make(map[string]error),
		neverReady:   make(map[string]bool),
	}
}

// Add registers a running container. Empty instance fields default to the endpoint's.
func (e *Endpoint) Add(c domain.Container) domain.Container {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.InstanceID == "" {
		c.InstanceID = e.InstanceID
	}
	if c.InstanceName == "" {
		c.InstanceName = e.InstanceName
	}
	if c.State == "" {
		c.State = "running"
	}
	e.containers[c.ID] = &entry{container: c, state: c.State}
	return c
}

// SetImageDigest sets the repo digest containers created from image report.
func (e *Endpoint) SetImageDigest(image, digest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.digests[image] = digest
}

// Fail makes op ("list", "inspect", "stop", "pull", "remove", "create",
// "start", "status") fail for the named container. For "pull" name is the image.
func (e *Endpoint) Fail(op, name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op == "list" {
		e.listErr = err
		return
	}
	e.failures[op+"/"+name] = err
}

// NeverReady keeps containers named name in the starting state.
func (e *Endpoint) NeverReady(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.neverReady[name] = true
}

// Remove deletes a container without recording a call.
func (e *Endpoint) Remove(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, en := range e.containers {
		if en.container.Name == name {
			delete(e.containers, id)
		}
	}
}

// Calls returns the recorded calls in order.
func (e *Endpoint) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Mutations returns the recorded calls that change endpoint state.
func (e *Endpoint) Mutations() []Call {
	var out []Call
	for _, c := range e.Calls() {
		switch c.Op {
		case "stop", "pull", "remove", "create", "start":
			out = append(out, c)
		}
	}
	return out
}

// Container returns the current container named name.
func (e *Endpoint) Container(name string) (domain.Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range e.containers {
		if en.container.Name == name {
			c := en.container
			c.State = en.state
			return c, true
		}
	}
	return domain.Container{}, false
}

func (e *Endpoint) record(c Call) error {
	e.calls = append(e.calls, c)
	key := c.Op + "/" + c.Name
	if c.Op == "pull" {
		key = c.Op + "/" + c.Image
	}
	return e.failures[key]
}

func (e *Endpoint) lookup(ref domain.ContainerRef) (*entry, error) {
	en, ok := e.containers[ref.ID]
	if !ok || ref.InstanceID != e.InstanceID {
		return nil, errors.Newf("no such container: %s", ref)
	}
	return en, nil
}

// ListContainers implements ports.InventoryProvider.
func (e *Endpoint) ListContainers(ctx context.Context) ([]domain.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Op: "list"})
	if e.listErr != nil {
		return nil, e.listErr
	}

	providers := make(map[string]bool)
	for _, en := range e.containers {
		if en.container.UsesNetworkMode != "" {
			providers[en.container.UsesNetworkMode] = true
		}
	}
	out := make([]domain.Container, 0, len(e.containers))
	for _, en := range e.containers {
		c := en.container
		c.State = en.state
		c.ProvidesNetwork = providers[c.ID]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InspectContainer implements ports.ContainerService.
func (e *Endpoint) InspectContainer(ctx context.Context, ref domain.ContainerRef) (domain.ContainerSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, err := e.lookup(ref)
	if err != nil {
		return domain.ContainerSpec{}, err
	}
	if err := e.record(Call{Op: "inspect", Name: en.container.Name}); err != nil {
		return domain.ContainerSpec{}, err
	}
	spec := domain.ContainerSpec{
		InstanceID: e.InstanceID,
		Name:       en.container.Name,
		Image:      en.container.Image,
		Payload:    []byte(fmt.Sprintf(`{"stack":%q}`, en.container.StackName)),
	}
	if en.container.UsesNetworkMode != "" {
		spec.NetworkMode = domain.NetworkModeFor(en.container.UsesNetworkMode)
	}
	return spec, nil
}

// StopContainer implements ports.ContainerService.
func (e *Endpoint) StopContainer(ctx context.Context, ref domain.ContainerRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, err := e.lookup(ref)
	if err != nil {
		return err
	}
	if err := e.record(Call{Op: "stop", Name: en.container.Name}); err != nil {
		return err
	}
	en.state = "exited"
	return nil
}

// PullImage implements ports.ContainerService.
func (e *Endpoint) PullImage(ctx context.Context, instanceID, image string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(Call{Op: "pull", Image: image})
}

// RemoveContainer implements ports.ContainerService.
func (e *Endpoint) RemoveContainer(ctx context.Context, ref domain.ContainerRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, err := e.lookup(ref)
	if err != nil {
		return err
	}
	if err := e.record(Call{Op: "remove", Name: en.container.Name}); err != nil {
		return err
	}
	delete(e.containers, ref.ID)
	return nil
}

// CreateContainer implements ports.ContainerService. New IDs are name-N.
func (e *Endpoint) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record(Call{Op: "create", Name: spec.Name, Image: spec.Image, NetworkMode: spec.NetworkMode}); err != nil {
		return "", err
	}
	for _, en := range e.containers {
		if en.container.Name == spec.Name {
			return "", errors.Newf("conflict: container name %q is already in use", spec.Name)
		}
	}
	e.seq++
	c := domain.Container{
		ID:              fmt.Sprintf("%s-%d", spec.Name, e.seq),
		Name:            spec.Name,
		Image:           spec.Image,
		InstanceID:      e.InstanceID,
		InstanceName:    e.InstanceName,
		UsesNetworkMode: strings.TrimPrefix(spec.NetworkMode, domain.NetworkModePrefix),
	}
	if d, ok := e.digests[spec.Image]; ok {
		c.RepoDigests = []string{domain.PinnedImage(spec.Image, d)}
	}
	e.containers[c.ID] = &entry{container: c, state: "created"}
	return c.ID, nil
}

// StartContainer implements ports.ContainerService.
func (e *Endpoint) StartContainer(ctx context.Context, ref domain.ContainerRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, err := e.lookup(ref)
	if err != nil {
		return err
	}
	if err := e.record(Call{Op: "start", Name: en.container.Name}); err != nil {
		return err
	}
	en.state = "running"
	return nil
}

// ContainerStatus implements ports.ContainerService.
func (e *Endpoint) ContainerStatus(ctx context.Context, ref domain.ContainerRef) (domain.ContainerStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.containers[ref.ID]
	if !ok {
		return domain.ContainerMissing, nil
	}
	if err := e.failures["status/"+en.container.Name]; err != nil {
		return "", err
	}
	switch {
	case en.state == "running" && e.neverReady[en.container.Name]:
		return domain.ContainerStarting, nil
	case en.state == "running":
		return domain.ContainerRunning, nil
	default:
		return domain.ContainerStopped, nil
	}
}
