package docker

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

const (
	composeProjectLabel = "com.docker.compose.project"
	stackNamespaceLabel = "com.docker.stack.namespace"
)

// Adapter implements ports.ContainerService using Docker SDK for a single
// Docker endpoint.
type Adapter struct {
	cli          *client.Client
	instanceID   string
	instanceName string
	stopTimeout  int

	mu      sync.Mutex
	digests map[string][]string // image ID -> repo digests
}

// NewAdapter creates a new Docker adapter instance. An empty host uses the
// Docker environment (DOCKER_HOST and friends).
func NewAdapter(instanceID, instanceName, host string, stopTimeout time.Duration) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Adapter{
		cli:          cli,
		instanceID:   instanceID,
		instanceName: instanceName,
		stopTimeout:  int(stopTimeout.Seconds()),
		digests:      make(map[string][]string),
	}, nil
}

// InstanceID returns the endpoint ID containers of this adapter carry.
func (a *Adapter) InstanceID() string {
	return a.instanceID
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// ListContainers returns every container on the endpoint, stopped ones included.
func (a *Adapter) ListContainers(ctx context.Context) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify(errors.Wrap(err, "failed to list containers"))
	}
	return toDomain(containers, a.instanceID, a.instanceName, func(imageID string) []string {
		return a.repoDigests(ctx, imageID)
	}), nil
}

func (a *Adapter) repoDigests(ctx context.Context, imageID string) []string {
	if imageID == "" {
		return nil
	}
	a.mu.Lock()
	cached, ok := a.digests[imageID]
	a.mu.Unlock()
	if ok {
		return cached
	}
	img, _, err := a.cli.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		return nil
	}
	a.mu.Lock()
	a.digests[imageID] = img.RepoDigests
	a.mu.Unlock()
	return img.RepoDigests
}

// toDomain converts the Docker listing, resolving network-mode references
// to provider IDs.
func toDomain(list []types.Container, instanceID, instanceName string, digests func(imageID string) []string) []domain.Container {
	byName := make(map[string]string, len(list))
	for _, c := range list {
		for _, n := range c.Names {
			byName[strings.TrimPrefix(n, "/")] = c.ID
		}
	}
	resolve := func(ref string) string {
		if id, ok := byName[ref]; ok {
			return id
		}
		for _, c := range list {
			if len(ref) >= 12 && strings.HasPrefix(c.ID, ref) {
				return c.ID
			}
		}
		return ref
	}

	result := make([]domain.Container, 0, len(list))
	providers := make(map[string]bool)
	for _, c := range list {
		// Use the first name if available, remove slash
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		stack := c.Labels[composeProjectLabel]
		if stack == "" {
			stack = c.Labels[stackNamespaceLabel]
		}

		dc := domain.Container{
			ID:           c.ID,
			Name:         name,
			Image:        c.Image,
			Status:       c.Status,
			State:        c.State,
			StackName:    stack,
			InstanceID:   instanceID,
			InstanceName: instanceName,
		}
		if digests != nil {
			dc.RepoDigests = digests(c.ImageID)
		}
		if mode := c.HostConfig.NetworkMode; strings.HasPrefix(mode, domain.NetworkModePrefix) {
			dc.UsesNetworkMode = resolve(strings.TrimPrefix(mode, domain.NetworkModePrefix))
			providers[dc.UsesNetworkMode] = true
		}
		result = append(result, dc)
	}
	for i := range result {
		result[i].ProvidesNetwork = providers[result[i].ID]
	}
	return result
}

// recreatePayload is what InspectContainer captures in ContainerSpec.Payload.
type recreatePayload struct {
	Config     *container.Config         `json:"config"`
	HostConfig *container.HostConfig     `json:"hostConfig"`
	Networking *network.NetworkingConfig `json:"networking,omitempty"`
}

// InspectContainer captures the configuration needed to recreate the container.
func (a *Adapter) InspectContainer(ctx context.Context, ref domain.ContainerRef) (domain.ContainerSpec, error) {
	info, err := a.cli.ContainerInspect(ctx, ref.ID)
	if err != nil {
		return domain.ContainerSpec{}, classify(errors.Wrapf(err, "failed to inspect container %s", ref.ID))
	}
	if info.ContainerJSONBase == nil || info.Config == nil {
		return domain.ContainerSpec{}, errors.Newf("incomplete inspect response for %s", ref.ID)
	}

	payload := recreatePayload{Config: info.Config, HostConfig: info.HostConfig}
	// A hostname equal to the short ID was generated by Docker.
	if h := info.Config.Hostname; h != "" && strings.HasPrefix(info.ID, h) {
		payload.Config.Hostname = ""
	}
	if info.NetworkSettings != nil && len(info.NetworkSettings.Networks) > 0 {
		payload.Networking = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{}}
		for name, ep := range info.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			payload.Networking.EndpointsConfig[name] = &network.EndpointSettings{
				Aliases:    ep.Aliases,
				Links:      ep.Links,
				IPAMConfig: ep.IPAMConfig,
				DriverOpts: ep.DriverOpts,
			}
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.ContainerSpec{}, errors.Wrap(err, "failed to encode container config")
	}

	spec := domain.ContainerSpec{
		InstanceID: a.instanceID,
		Name:       strings.TrimPrefix(info.Name, "/"),
		Image:      info.Config.Image,
		Payload:    raw,
	}
	if info.HostConfig != nil {
		spec.NetworkMode = string(info.HostConfig.NetworkMode)
	}
	return spec, nil
}

// prepareCreate decodes a captured payload and applies the image and
// network mode of spec.
func prepareCreate(spec domain.ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	var p recreatePayload
	if len(spec.Payload) > 0 {
		if err := json.Unmarshal(spec.Payload, &p); err != nil {
			return nil, nil, nil, errors.Wrap(err, "failed to decode container config")
		}
	}
	if p.Config == nil {
		p.Config = &container.Config{}
	}
	if p.HostConfig == nil {
		p.HostConfig = &container.HostConfig{}
	}
	p.Config.Image = spec.Image

	if spec.NetworkMode != "" {
		p.HostConfig.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	if strings.HasPrefix(string(p.HostConfig.NetworkMode), domain.NetworkModePrefix) {
		// Namespace sharing conflicts with these options.
		p.Config.Hostname = ""
		p.Config.Domainname = ""
		p.Config.ExposedPorts = nil
		p.HostConfig.PortBindings = nil
		p.HostConfig.DNS = nil
		p.Networking = nil
	}
	return p.Config, p.HostConfig, p.Networking, nil
}

// CreateContainer creates a container from a captured spec and returns its ID.
func (a *Adapter) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg, hostCfg, netCfg, err := prepareCreate(spec)
	if err != nil {
		return "", err
	}
	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify(errors.Wrapf(err, "failed to create container %s", spec.Name))
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (a *Adapter) StartContainer(ctx context.Context, ref domain.ContainerRef) error {
	if err := a.cli.ContainerStart(ctx, ref.ID, container.StartOptions{}); err != nil {
		return classify(errors.Wrapf(err, "failed to start container %s", ref.ID))
	}
	return nil
}

// StopContainer stops a running container
func (a *Adapter) StopContainer(ctx context.Context, ref domain.ContainerRef) error {
	timeout := a.stopTimeout
	if err := a.cli.ContainerStop(ctx, ref.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(errors.Wrapf(err, "failed to stop container %s", ref.ID))
	}
	return nil
}

// RemoveContainer removes a stopped container, keeping its volumes.
func (a *Adapter) RemoveContainer(ctx context.Context, ref domain.ContainerRef) error {
	if err := a.cli.ContainerRemove(ctx, ref.ID, container.RemoveOptions{}); err != nil {
		return classify(errors.Wrapf(err, "failed to remove container %s", ref.ID))
	}
	return nil
}

// PullImage pulls image and waits for the pull to complete.
func (a *Adapter) PullImage(ctx context.Context, instanceID, image string) error {
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return classify(errors.Wrapf(err, "failed to pull image %s", image))
	}
	defer reader.Close()
	// Draining the progress stream is what lets the pull finish.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errors.Wrapf(err, "failed to read pull progress for %s", image)
	}
	return nil
}

// ContainerStatus maps Docker state and health to a coarse status.
func (a *Adapter) ContainerStatus(ctx context.Context, ref domain.ContainerRef) (domain.ContainerStatus, error) {
	info, err := a.cli.ContainerInspect(ctx, ref.ID)
	if errdefs.IsNotFound(err) {
		return domain.ContainerMissing, nil
	}
	if err != nil {
		return "", classify(errors.Wrapf(err, "failed to inspect container %s", ref.ID))
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return domain.ContainerStopped, nil
	}
	return statusOf(info.State), nil
}

func statusOf(state *types.ContainerState) domain.ContainerStatus {
	switch {
	case state.Restarting:
		return domain.ContainerStarting
	case state.Running && state.Health != nil && state.Health.Status != types.Healthy && state.Health.Status != types.NoHealthcheck:
		return domain.ContainerStarting
	case state.Running:
		return domain.ContainerRunning
	default:
		return domain.ContainerStopped
	}
}

// classify marks Docker errors for the retry policy: throttling becomes
// domain.ErrRateLimited, client errors are not retried. The daemon reports
// a 429 as InvalidParameter and registry throttling as a 500, so only the
// message phrase is checked; bare "429" would match hex container IDs.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "toomanyrequests") || strings.Contains(msg, "too many requests"):
		return errors.Mark(err, domain.ErrRateLimited)
	case errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) || errdefs.IsConflict(err):
		return retry.Permanent(err)
	}
	return err
}
