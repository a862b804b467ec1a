package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/fake"
	"github.com/melih/lighthouse/internal/adapters/sqlite"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/recorder"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

type harness struct {
	endpoint *fake.Endpoint
	registry *fake.Registry
	store    *sqlite.Store
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = time.Second
	}
	if cfg.ReadyPollInterval == 0 {
		cfg.ReadyPollInterval = 5 * time.Millisecond
	}

	policy := func(provider string) *retry.Policy {
		return retry.New(retry.NewRateLimiterState(provider, 2, time.Minute), 3, time.Millisecond,
			retry.WithRateLimitDelay(time.Millisecond))
	}

	h := &harness{
		endpoint: fake.NewEndpoint("local", "local"),
		registry: fake.NewRegistry(),
		store:    store,
	}
	h.orch = New(h.endpoint, h.registry, recorder.New(store, store, nil, nil), cfg,
		WithPolicies(policy("endpoint"), policy("registry")))
	return h
}

func intentFor(kind domain.MatchKind, values ...string) *domain.Intent {
	return &domain.Intent{
		ID:           "i-1",
		Name:         "test",
		Enabled:      true,
		Criteria:     []domain.MatchCriteria{{Kind: kind, Values: values}},
		ScheduleType: domain.ScheduleImmediate,
	}
}

func (h *harness) results(t *testing.T, execID string) map[string]*domain.ExecutionContainerResult {
	t.Helper()
	results, err := h.store.ListResults(context.Background(), execID)
	require.NoError(t, err)
	byName := make(map[string]*domain.ExecutionContainerResult, len(results))
	for _, r := range results {
		byName[r.ContainerName] = r
	}
	require.Len(t, byName, len(results), "one result per container")
	return byName
}

func mutations(calls []fake.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

func TestExecute_DryRunMakesNoChanges(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "c1", Name: "web1", Image: "nginx:1.25", RepoDigests: []string{"nginx@sha256:old"}})
	h.endpoint.Add(domain.Container{ID: "c2", Name: "web2", Image: "nginx:1.25", RepoDigests: []string{"nginx@sha256:old"}})
	h.endpoint.Add(domain.Container{ID: "c3", Name: "cache", Image: "redis:7"})
	h.registry.SetLatest("nginx:1.25", "sha256:new")

	exec, err := h.orch.Execute(context.Background(), Request{
		Intent: intentFor(domain.MatchImages, "nginx:*"), Trigger: domain.TriggerManual, DryRun: true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.True(t, exec.DryRun)
	assert.Equal(t, 2, exec.ContainersMatched)
	assert.Equal(t, 2, exec.ContainersSkipped)
	assert.Empty(t, h.endpoint.Mutations())

	results := h.results(t, exec.ID)
	require.Contains(t, results, "web1")
	assert.Equal(t, domain.ResultDryRun, results["web1"].Status)
	assert.Equal(t, "nginx@sha256:old", results["web1"].OldImage)
	assert.Equal(t, "nginx@sha256:new", results["web1"].NewImage)
	assert.NotContains(t, results, "cache")
}

func TestExecute_OneFailingContainerIsPartial(t *testing.T) {
	h := newHarness(t, Config{})
	for _, name := range []string{"a", "b", "c"} {
		h.endpoint.Add(domain.Container{ID: name, Name: name, Image: "app:1", RepoDigests: []string{"app@sha256:old"}})
	}
	h.registry.SetLatest("app:1", "sha256:new")
	h.endpoint.SetImageDigest("app:1", "sha256:new")
	h.endpoint.Fail("stop", "b", errors.New("device busy"))

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "*")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionPartial, exec.Status)
	assert.Equal(t, 3, exec.ContainersMatched)
	assert.Equal(t, 2, exec.ContainersUpgraded)
	assert.Equal(t, 1, exec.ContainersFailed)
	assert.Equal(t, 0, exec.ContainersSkipped)

	results := h.results(t, exec.ID)
	assert.Equal(t, domain.ResultFailed, results["b"].Status)
	assert.Contains(t, results["b"].ErrorMessage, "stopping b")
	assert.Equal(t, domain.ResultUpgraded, results["a"].Status)
	assert.Equal(t, "app@sha256:new", results["a"].NewImage)

	upgraded, ok := h.endpoint.Container("a")
	require.True(t, ok)
	assert.NotEqual(t, "a", upgraded.ID)
	assert.Equal(t, "running", upgraded.State)
	assert.True(t, upgraded.HasDigest("sha256:new"))

	untouched, ok := h.endpoint.Container("b")
	require.True(t, ok)
	assert.Equal(t, "b", untouched.ID)
}

func TestExecute_UpToDateIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "c1", Name: "web1", Image: "nginx:1.25", RepoDigests: []string{"nginx@sha256:same"}})
	h.registry.SetLatest("nginx:1.25", "sha256:same")

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "web1")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.ContainersSkipped)
	assert.Equal(t, "already up to date", h.results(t, exec.ID)["web1"].ErrorMessage)
	assert.Empty(t, h.endpoint.Mutations())
}

func TestExecute_NetworkDependentsFollowProvider(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "vpn", Name: "vpn", Image: "vpn:1"})
	h.endpoint.Add(domain.Container{ID: "app1", Name: "app1", Image: "app:1", UsesNetworkMode: "vpn"})
	h.endpoint.Add(domain.Container{ID: "app2", Name: "app2", Image: "app:1", UsesNetworkMode: "vpn"})
	h.registry.SetLatest("vpn:1", "sha256:new")

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "vpn")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.ContainersMatched)
	assert.Equal(t, 3, exec.ContainersUpgraded)

	assert.Equal(t, []string{
		"stop app1",
		"stop app2",
		"remove app1",
		"remove app2",
		"stop vpn",
		"pull vpn:1",
		"remove vpn",
		"create vpn vpn:1",
		"start vpn",
		"create app1 app:1 container:vpn-1",
		"create app2 app:1 container:vpn-1",
		"start app1",
		"start app2",
	}, mutations(h.endpoint.Mutations()))

	vpn, ok := h.endpoint.Container("vpn")
	require.True(t, ok)
	for _, name := range []string{"app1", "app2"} {
		c, ok := h.endpoint.Container(name)
		require.True(t, ok)
		assert.Equal(t, vpn.ID, c.UsesNetworkMode)
		assert.Equal(t, "running", c.State)
	}

	results := h.results(t, exec.ID)
	assert.Equal(t, results["app1"].OldImage, results["app1"].NewImage)
}

func TestExecute_ProviderFailureRestoresDependents(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "vpn", Name: "vpn", Image: "vpn:1"})
	h.endpoint.Add(domain.Container{ID: "app1", Name: "app1", Image: "app:1", UsesNetworkMode: "vpn"})
	h.registry.SetLatest("vpn:1", "sha256:new")
	h.endpoint.Fail("pull", "vpn:1", errors.New("manifest unknown"))

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "vpn")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionPartial, exec.Status)
	assert.Equal(t, 1, exec.ContainersFailed)
	assert.Equal(t, 1, exec.ContainersSkipped)

	results := h.results(t, exec.ID)
	assert.Contains(t, results["vpn"].ErrorMessage, "pulling vpn")
	assert.Contains(t, results["app1"].ErrorMessage, "restored")

	vpn, ok := h.endpoint.Container("vpn")
	require.True(t, ok)
	assert.Equal(t, "vpn", vpn.ID)
	assert.Equal(t, "running", vpn.State)

	app, ok := h.endpoint.Container("app1")
	require.True(t, ok)
	assert.Equal(t, "vpn", app.UsesNetworkMode)
	assert.Equal(t, "running", app.State)
}

func TestExecute_NestedProviderIsUnsafe(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "vpn", Name: "vpn", Image: "vpn:1"})
	h.endpoint.Add(domain.Container{ID: "proxy", Name: "proxy", Image: "proxy:1", UsesNetworkMode: "vpn"})
	h.endpoint.Add(domain.Container{ID: "app", Name: "app", Image: "app:1", UsesNetworkMode: "proxy"})
	h.registry.SetLatest("vpn:1", "sha256:new")

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "vpn")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, 2, exec.ContainersFailed)
	assert.Empty(t, h.endpoint.Mutations())
	assert.Contains(t, h.results(t, exec.ID)["vpn"].ErrorMessage, "cannot be safely reconnected")
}

func TestExecute_MatchedNestedProviderIsRecordedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Add(domain.Container{ID: "vpn", Name: "vpn", Image: "vpn:1"})
	h.endpoint.Add(domain.Container{ID: "proxy", Name: "proxy", Image: "proxy:1", UsesNetworkMode: "vpn"})
	h.endpoint.Add(domain.Container{ID: "app", Name: "app", Image: "app:1", UsesNetworkMode: "proxy"})
	h.registry.SetLatest("vpn:1", "sha256:new")
	h.registry.SetLatest("proxy:1", "sha256:new")

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "vpn", "proxy")})
	require.NoError(t, err)

	assert.Equal(t, 3, exec.ContainersMatched)
	assert.Equal(t, 3, exec.ContainersFailed)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Empty(t, h.endpoint.Mutations())
	assert.Len(t, h.results(t, exec.ID), 3)
}

func TestExecute_RateLimitAbortsRemainingContainers(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 1})
	for _, name := range []string{"a", "b", "c"} {
		h.endpoint.Add(domain.Container{ID: name, Name: name, Image: "app:1"})
	}
	h.registry.Fail("app:1", errors.Wrap(domain.ErrRateLimited, "429 Too Many Requests"))

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchImages, "app:*")})
	require.NoError(t, err)

	assert.Equal(t, 3, exec.ContainersMatched)
	assert.Equal(t, 1, exec.ContainersFailed)
	assert.Equal(t, 2, exec.ContainersSkipped)
	assert.Equal(t, domain.ExecutionPartial, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "rate limit exceeded")
	assert.Equal(t, 2, h.registry.Lookups("app:1"))
	assert.Empty(t, h.endpoint.Mutations())
}

func TestExecute_ReadyTimeoutFails(t *testing.T) {
	h := newHarness(t, Config{ReadyTimeout: 50 * time.Millisecond})
	h.endpoint.Add(domain.Container{ID: "c1", Name: "web1", Image: "nginx:1.25"})
	h.registry.SetLatest("nginx:1.25", "sha256:new")
	h.endpoint.NeverReady("web1")

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "web1")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	result := h.results(t, exec.ID)["web1"]
	assert.Equal(t, domain.ResultFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "waiting_ready web1")
	assert.Contains(t, result.ErrorMessage, "timed out waiting for container to become ready")
}

func TestExecute_DisappearedContainerIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.registry.SetLatest("nginx:1.25", "sha256:new")
	snapshot := []domain.Container{{ID: "gone", Name: "ghost", Image: "nginx:1.25", InstanceID: "local"}}

	exec, err := h.orch.Execute(context.Background(), Request{
		Intent:    intentFor(domain.MatchContainers, "ghost"),
		Trigger:   domain.TriggerScanDetected,
		Inventory: snapshot,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.ContainersSkipped)
	assert.Equal(t, "container no longer present", h.results(t, exec.ID)["ghost"].ErrorMessage)
	assert.Equal(t, 0, h.registry.Lookups("nginx:1.25"))
}

func TestExecute_InventoryUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.endpoint.Fail("list", "", errors.New("connection refused"))

	exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchContainers, "*")})
	require.NoError(t, err)

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, 0, exec.ContainersMatched)
	assert.Contains(t, exec.ErrorMessage, "container inventory unavailable")
	assert.Contains(t, exec.ErrorMessage, "connection refused")
}

func TestCancel_SkipsUnstartedContainers(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrency: 1})
	for _, name := range []string{"a", "b", "c"} {
		h.endpoint.Add(domain.Container{ID: name, Name: name, Image: "app:1"})
	}
	h.registry.SetLatest("app:1", "sha256:new")
	release := h.registry.Hold()
	defer release()

	done := make(chan *domain.Execution, 1)
	go func() {
		exec, err := h.orch.Execute(context.Background(), Request{Intent: intentFor(domain.MatchImages, "app:1")})
		assert.NoError(t, err)
		done <- exec
	}()

	require.Eventually(t, func() bool {
		return len(h.orch.Running()) == 1 && h.registry.Lookups("app:1") == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.orch.Cancel(h.orch.Running()[0]))
	release()

	var exec *domain.Execution
	select {
	case exec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancel")
	}

	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, exec.ContainersSkipped)
	assert.Contains(t, exec.ErrorMessage, "execution cancelled")
	assert.Empty(t, h.endpoint.Mutations())
	assert.True(t, errors.Is(h.orch.Cancel(exec.ID), domain.ErrNotFound))
}
