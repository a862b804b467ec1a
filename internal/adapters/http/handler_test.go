package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/lighthouse/internal/adapters/fake"
	"github.com/melih/lighthouse/internal/adapters/sqlite"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/intents"
	"github.com/melih/lighthouse/internal/core/services/orchestrator"
	"github.com/melih/lighthouse/internal/core/services/recorder"
)

func newTestApp(t *testing.T) (*fiber.App, *fake.Endpoint) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	endpoint := fake.NewEndpoint("local", "docker-01")
	endpoint.Add(domain.Container{ID: "c1", Name: "web1", Image: "nginx:1.25"})
	endpoint.Add(domain.Container{ID: "c2", Name: "db1", Image: "postgres:16"})
	registry := fake.NewRegistry()
	registry.SetLatest("nginx:1.25", "sha256:new")

	orch := orchestrator.New(endpoint, registry, recorder.New(store, store, nil, nil), orchestrator.Config{
		ReadyPollInterval: 5 * time.Millisecond,
	})
	svc := intents.NewService(store, store, orch, nil, nil, nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "lighthouse_up 1\n")
	})
	return NewApp(NewIntentHandler(svc), metrics), endpoint
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func TestIntentLifecycle(t *testing.T) {
	app, endpoint := newTestApp(t)

	status, raw := do(t, app, http.MethodPost, "/api/v1/intents", `{"name":"web","matchType":"images","matchValues":["nginx:*"]}`)
	require.Equal(t, fiber.StatusCreated, status, string(raw))
	var created map[string]any
	require.NoError(t, json.Unmarshal(raw, &created))
	id := created["id"].(string)
	assert.Equal(t, "images", created["matchType"])
	assert.Equal(t, "immediate", created["scheduleType"])
	assert.Equal(t, true, created["enabled"])

	status, raw = do(t, app, http.MethodGet, "/api/v1/intents/"+id+"/preview", "")
	require.Equal(t, fiber.StatusOK, status)
	var preview []domain.Container
	require.NoError(t, json.Unmarshal(raw, &preview))
	require.Len(t, preview, 1)
	assert.Equal(t, "web1", preview[0].Name)

	status, raw = do(t, app, http.MethodPost, "/api/v1/intents/"+id+"/execute?dryRun=true", "")
	require.Equal(t, fiber.StatusOK, status, string(raw))
	var exec domain.Execution
	require.NoError(t, json.Unmarshal(raw, &exec))
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	assert.True(t, exec.DryRun)
	assert.Equal(t, 1, exec.ContainersMatched)
	assert.Empty(t, endpoint.Mutations())

	status, raw = do(t, app, http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, fiber.StatusOK, status)
	var detail domain.ExecutionDetail
	require.NoError(t, json.Unmarshal(raw, &detail))
	require.Len(t, detail.Results, 1)
	assert.Equal(t, domain.ResultDryRun, detail.Results[0].Status)

	status, raw = do(t, app, http.MethodGet, "/api/v1/intents/"+id+"/executions?limit=5", "")
	require.Equal(t, fiber.StatusOK, status)
	var execs []domain.Execution
	require.NoError(t, json.Unmarshal(raw, &execs))
	assert.Len(t, execs, 1)

	status, _ = do(t, app, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", "")
	assert.Equal(t, fiber.StatusBadRequest, status, "finished executions cannot be cancelled")

	status, raw = do(t, app, http.MethodPost, "/api/v1/intents/"+id+"/toggle", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(raw), `"enabled":false`)

	status, raw = do(t, app, http.MethodPut, "/api/v1/intents/"+id, `{"name":"web","matchContainers":["web1"],"scheduleType":"scheduled","scheduleCron":"0 3 * * *"}`)
	require.Equal(t, fiber.StatusOK, status, string(raw))
	assert.Contains(t, string(raw), `"matchType":"containers"`)

	status, _ = do(t, app, http.MethodDelete, "/api/v1/intents/"+id, "")
	assert.Equal(t, fiber.StatusNoContent, status)
	status, raw = do(t, app, http.MethodGet, "/api/v1/intents/"+id, "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Contains(t, string(raw), `"error"`)
}

func TestCreateIntent_ValidationErrors(t *testing.T) {
	app, _ := newTestApp(t)

	status, raw := do(t, app, http.MethodPost, "/api/v1/intents", `{"name":"","matchImages":["nginx"]}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, string(raw), `"field":"name"`)

	status, raw = do(t, app, http.MethodPost, "/api/v1/intents", `{"name":"n","matchStacks":["a"],"scheduleType":"scheduled","scheduleCron":"bogus"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, string(raw), `"field":"scheduleCron"`)

	status, _ = do(t, app, http.MethodPost, "/api/v1/intents", `{not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, raw = do(t, app, http.MethodGet, "/api/v1/intents", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestContainersScanAndMetrics(t *testing.T) {
	app, _ := newTestApp(t)

	status, raw := do(t, app, http.MethodGet, "/api/v1/containers", "")
	require.Equal(t, fiber.StatusOK, status)
	var containers []domain.Container
	require.NoError(t, json.Unmarshal(raw, &containers))
	assert.Len(t, containers, 2)

	status, raw = do(t, app, http.MethodPost, "/api/v1/scans", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Contains(t, string(raw), `"hint"`)

	status, raw = do(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(raw), "lighthouse_up")
}
