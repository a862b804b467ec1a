package docker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/fake"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

const vpnID = "0123456789abcdef0123456789abcdef"

func listing() []types.Container {
	vpn := types.Container{
		ID:      vpnID,
		Names:   []string{"/vpn"},
		Image:   "qmcgaw/gluetun:latest",
		ImageID: "sha256:vpnimage",
		State:   "running",
		Labels:  map[string]string{composeProjectLabel: "media"},
	}
	byName := types.Container{
		ID:      "aaaa",
		Names:   []string{"/torrent"},
		Image:   "qbittorrent:4",
		ImageID: "sha256:torrent",
		State:   "running",
		Labels:  map[string]string{stackNamespaceLabel: "swarm"},
	}
	byName.HostConfig.NetworkMode = "container:vpn"
	byPrefix := types.Container{
		ID:    "bbbb",
		Names: []string{"/indexer"},
		Image: "prowlarr:1",
		State: "exited",
	}
	byPrefix.HostConfig.NetworkMode = "container:" + vpnID[:12]
	bridged := types.Container{ID: "cccc", Names: []string{"/web"}, Image: "nginx:1.25"}
	bridged.HostConfig.NetworkMode = "bridge"
	return []types.Container{vpn, byName, byPrefix, bridged}
}

func TestToDomain_ResolvesNetworkProviders(t *testing.T) {
	digests := map[string][]string{"sha256:vpnimage": {"qmcgaw/gluetun@sha256:abc"}}
	got := toDomain(listing(), "local", "docker-01", func(id string) []string { return digests[id] })
	require.Len(t, got, 4)

	vpn := got[0]
	assert.Equal(t, "vpn", vpn.Name)
	assert.Equal(t, "media", vpn.StackName)
	assert.Equal(t, "local", vpn.InstanceID)
	assert.Equal(t, "docker-01", vpn.InstanceName)
	assert.True(t, vpn.ProvidesNetwork)
	assert.Empty(t, vpn.UsesNetworkMode)
	assert.True(t, vpn.HasDigest("sha256:abc"))

	assert.Equal(t, "swarm", got[1].StackName)
	assert.Equal(t, vpnID, got[1].UsesNetworkMode)
	assert.Equal(t, vpnID, got[2].UsesNetworkMode)
	assert.Equal(t, "exited", got[2].State)

	assert.Empty(t, got[3].UsesNetworkMode)
	assert.False(t, got[3].ProvidesNetwork)
	assert.Nil(t, got[3].RepoDigests)
}

func TestPrepareCreate_RewritesImageAndNetworkMode(t *testing.T) {
	payload, err := json.Marshal(recreatePayload{
		Config: &container.Config{
			Hostname:     "app",
			Image:        "app:1",
			Env:          []string{"A=1"},
			ExposedPorts: nat.PortSet{"80/tcp": struct{}{}},
		},
		HostConfig: &container.HostConfig{NetworkMode: "container:old", PortBindings: nat.PortMap{"80/tcp": nil}},
		Networking: &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{"bridge": {}}},
	})
	require.NoError(t, err)

	cfg, hostCfg, netCfg, err := prepareCreate(domain.ContainerSpec{
		Name:        "app",
		Image:       "app@sha256:new",
		NetworkMode: domain.NetworkModeFor("newvpn"),
		Payload:     payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "app@sha256:new", cfg.Image)
	assert.Equal(t, []string{"A=1"}, cfg.Env)
	assert.Empty(t, cfg.Hostname)
	assert.Nil(t, cfg.ExposedPorts)
	assert.Equal(t, container.NetworkMode("container:newvpn"), hostCfg.NetworkMode)
	assert.Nil(t, hostCfg.PortBindings)
	assert.Nil(t, netCfg)
}

func TestPrepareCreate_KeepsBridgeSettings(t *testing.T) {
	payload, err := json.Marshal(recreatePayload{
		Config:     &container.Config{Hostname: "web", Image: "nginx:1.25"},
		HostConfig: &container.HostConfig{NetworkMode: "bridge"},
		Networking: &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			"frontend": {Aliases: []string{"web"}},
		}},
	})
	require.NoError(t, err)

	cfg, hostCfg, netCfg, err := prepareCreate(domain.ContainerSpec{Image: "nginx:1.26", NetworkMode: "bridge", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Hostname)
	assert.Equal(t, container.NetworkMode("bridge"), hostCfg.NetworkMode)
	require.NotNil(t, netCfg)
	assert.Equal(t, []string{"web"}, netCfg.EndpointsConfig["frontend"].Aliases)

	_, _, _, err = prepareCreate(domain.ContainerSpec{Payload: []byte("{")})
	assert.Error(t, err)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name  string
		state types.ContainerState
		want  domain.ContainerStatus
	}{
		{"running", types.ContainerState{Running: true}, domain.ContainerRunning},
		{"restarting", types.ContainerState{Running: true, Restarting: true}, domain.ContainerStarting},
		{"health starting", types.ContainerState{Running: true, Health: &types.Health{Status: types.Starting}}, domain.ContainerStarting},
		{"healthy", types.ContainerState{Running: true, Health: &types.Health{Status: types.Healthy}}, domain.ContainerRunning},
		{"exited", types.ContainerState{Status: "exited"}, domain.ContainerStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			assert.Equal(t, tt.want, statusOf(&state))
		})
	}
}

func TestClassify(t *testing.T) {
	throttled := classify(errors.New("toomanyrequests: You have reached your pull rate limit"))
	assert.True(t, errors.Is(throttled, domain.ErrRateLimited))
	assert.False(t, retry.IsPermanent(throttled))

	missing := classify(errors.Wrap(errdefs.NotFound(errors.New("no such container")), "stop"))
	assert.True(t, retry.IsPermanent(missing))

	other := classify(errors.New("connection reset"))
	assert.False(t, retry.IsPermanent(other))
	assert.False(t, errors.Is(other, domain.ErrRateLimited))

	// Container IDs and tags containing 429 are not throttling.
	hexID := classify(errors.Wrapf(errors.New("connection refused"), "failed to stop container %s", "3f4291ab7c0d"))
	assert.False(t, errors.Is(hexID, domain.ErrRateLimited))
	tagged := classify(errors.Wrapf(errors.New("manifest unknown"), "failed to pull image %s", "app:429"))
	assert.False(t, errors.Is(tagged, domain.ErrRateLimited))

	daemon429 := classify(errdefs.InvalidParameter(errors.New("429 Too Many Requests")))
	assert.True(t, errors.Is(daemon429, domain.ErrRateLimited))
	assert.False(t, retry.IsPermanent(daemon429))
}

func TestFleet_RoutesByInstance(t *testing.T) {
	ctx := context.Background()
	local := fake.NewEndpoint("local", "docker-01")
	remote := fake.NewEndpoint("remote", "docker-02")
	local.Add(domain.Container{ID: "l1", Name: "web", Image: "nginx:1.25"})
	remote.Add(domain.Container{ID: "r1", Name: "db", Image: "postgres:16"})

	fleet, err := NewFleet(Member{InstanceID: "remote", Service: remote}, Member{InstanceID: "local", Service: local})
	require.NoError(t, err)
	assert.Equal(t, 2, fleet.Len())

	all, err := fleet.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "local", all[0].InstanceID)
	assert.Equal(t, "remote", all[1].InstanceID)

	require.NoError(t, fleet.StopContainer(ctx, all[1].Ref()))
	require.NoError(t, fleet.PullImage(ctx, "remote", "postgres:17"))
	assert.Equal(t, []string{"stop db", "pull postgres:17"}, callNames(remote.Mutations()))
	assert.Empty(t, local.Mutations())

	err = fleet.StartContainer(ctx, domain.ContainerRef{InstanceID: "gone", ID: "x"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestFleet_ListFailsWhenAnEndpointFails(t *testing.T) {
	local := fake.NewEndpoint("local", "docker-01")
	remote := fake.NewEndpoint("remote", "docker-02")
	remote.Fail("list", "", errors.New("connection refused"))

	fleet, err := NewFleet(Member{InstanceID: "local", Service: local}, Member{InstanceID: "remote", Service: remote})
	require.NoError(t, err)
	_, err = fleet.ListContainers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote")
}

func TestNewFleet_RejectsDuplicates(t *testing.T) {
	ep := fake.NewEndpoint("local", "docker-01")
	_, err := NewFleet(Member{InstanceID: "local", Service: ep}, Member{InstanceID: "local", Service: ep})
	assert.Error(t, err)
}

func callNames(calls []fake.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}
