package sandbox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWorkEvent(t *testing.T) {
	work := []string{
		EventAssistantMessage, EventToolUse, EventToolResult,
		EventFileEdited, EventToolCompleted, EventSubagentCompleted,
		EventSkillCompleted, EventCompleted,
	}
	for _, e := range work {
		assert.True(t, IsWorkEvent(e), e)
	}

	// Liveness-only and error events do not count as work progress. Thinking
	// is liveness too: an agent stuck in a reasoning loop is exactly the case
	// idle detection has to catch.
	assert.False(t, IsWorkEvent(EventHeartbeat))
	assert.False(t, IsWorkEvent(EventStarted))
	assert.False(t, IsWorkEvent(EventThinking))
	assert.False(t, IsWorkEvent(EventError))
	assert.False(t, IsWorkEvent("agent.unknown"))
}

func TestTemplateForPhase(t *testing.T) {
	assert.Equal(t, "dev-backend", TemplateForPhase("backend"))
	assert.Equal(t, "dev-frontend", TemplateForPhase("frontend"))
	assert.Equal(t, "dev-infra", TemplateForPhase("infra"))
	assert.Equal(t, "dev-validator", TemplateForPhase("validation"))
	assert.Equal(t, "dev-general", TemplateForPhase("design"))
	assert.Equal(t, "dev-general", TemplateForPhase(""))
}

func TestRemoteGatewaySpawn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sandboxes", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"SandboxID":"sb-1","SessionID":"sess-1"}`))
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "secret")
	result, err := g.SpawnForTask(t.Context(), SpawnRequest{TaskID: "task-1", Template: "dev-backend"})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", result.SandboxID)
	assert.Equal(t, "sess-1", result.SessionID)
}

func TestRemoteGatewaySpawnMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "")
	_, err := g.SpawnForTask(t.Context(), SpawnRequest{TaskID: "task-1"})
	assert.ErrorContains(t, err, "no sandbox id")
}

func TestRemoteGatewayTerminateGoneIsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "")
	assert.NoError(t, g.TerminateSandbox(t.Context(), "sb-dead", "idle_timeout"))
}

func TestRemoteGatewayPreviewLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/sandboxes/sb-1/preview", r.URL.Path)
		assert.Equal(t, "3000", r.URL.Query().Get("port"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://preview.example/sb-1:3000","token":"tok-1"}`))
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "")
	link, err := g.GetPreviewLink(t.Context(), "sb-1", 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://preview.example/sb-1:3000", link.URL)
	assert.Equal(t, "tok-1", link.Token)
}

func TestRemoteGatewaySendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sandboxes/sb-1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "please stop", body["content"])
		assert.Equal(t, "instruction", body["message_type"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "")
	assert.NoError(t, g.SendMessage(t.Context(), "sb-1", "please stop", "instruction"))
}

func TestRemoteGatewayErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream broke"))
	}))
	defer srv.Close()

	g := NewRemoteGateway(srv.URL, "")
	err := g.SendMessage(t.Context(), "sb-1", "please stop", "instruction")
	require.Error(t, err)
	assert.ErrorContains(t, err, "502")
	assert.ErrorContains(t, err, "upstream broke")
}
