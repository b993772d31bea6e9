package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
)

// testServer bundles the HTTP server with its backing fakes.
type testServer struct {
	srv   *httptest.Server
	store *conversation.MemoryStore
	model *agent.ScriptedModel
}

func newTestServer(t *testing.T, steps ...agent.ScriptedStep) *testServer {
	t.Helper()

	model := agent.NewScriptedModel(steps...)
	ts := newTestServerWithModel(t, model)
	ts.model = model
	return ts
}

func newTestServerWithModel(t *testing.T, model agent.ModelClient) *testServer {
	t.Helper()

	store := conversation.NewMemoryStore()

	orch, err := agent.New(agent.Config{
		Model:  model,
		Tools:  &agent.StubDispatcher{},
		Store:  store,
		Logger: log.NewNop(),
	})
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Logger:       log.NewNop(),
		Orchestrator: orch,
		Store:        store,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: store}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ready", body["status"])
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Create
	resp := ts.postJSON(t, "/api/conversations", map[string]string{"title": "Market questions"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[conversation.Conversation](t, resp)
	assert.Equal(t, "Market questions", created.Title)
	assert.NotZero(t, created.ID)

	// Get
	resp = ts.get(t, "/api/conversations/"+created.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[conversation.Conversation](t, resp)
	assert.Equal(t, created.ID, got.ID)

	// List
	resp = ts.get(t, "/api/conversations")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[map[string][]conversation.Conversation](t, resp)
	require.Len(t, list["conversations"], 1)

	// Delete
	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/conversations/"+created.ID.String(), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	// Gone
	resp = ts.get(t, "/api/conversations/"+created.ID.String())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestConversationValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "bad id", path: "/api/conversations/not-a-uuid", want: http.StatusBadRequest},
		{name: "unknown id", path: "/api/conversations/00000000-0000-0000-0000-000000000001", want: http.StatusNotFound},
		{name: "bad limit", path: "/api/conversations?limit=0", want: http.StatusBadRequest},
		{name: "bad offset", path: "/api/conversations?offset=-1", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.get(t, tt.path)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestConversationMessagesEndpoint(t *testing.T) {
	ts := newTestServer(t, agent.ScriptedStep{Deltas: []string{"The answer."}})

	resp := ts.postJSON(t, "/api/chat/stream", map[string]string{"message": "a question"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convID := resp.Header.Get("X-Conversation-ID")
	require.NotEmpty(t, convID)
	drain(t, resp)

	mResp := ts.get(t, fmt.Sprintf("/api/conversations/%s/messages", convID))
	require.Equal(t, http.StatusOK, mResp.StatusCode)
	body := decodeBody[map[string][]agent.Message](t, mResp)
	msgs := body["messages"]
	require.Len(t, msgs, 2)
	assert.Equal(t, agent.RoleUser, msgs[0].Role)
	assert.Equal(t, agent.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "The answer.", msgs[1].Content)
}
