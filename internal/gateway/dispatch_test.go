package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/first-fluke/cratos/internal/agent"
	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/persona"
	"github.com/first-fluke/cratos/internal/sessions"
	"github.com/first-fluke/cratos/pkg/models"
)

type fakeProvider struct {
	text string
}

func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return false }
func (p *fakeProvider) Complete(_ context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.text}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, AuthContext) {
	t.Helper()
	sessionStore := sessions.NewMemoryStore()
	eventStore := eventstore.NewMemoryStore()
	registry := agent.NewToolRegistry()
	router := agent.NewLlmRouter(agent.ModelRouting{General: agent.ModelTarget{Provider: &fakeProvider{text: "hi there"}, Model: "test-model"}})
	planner := agent.NewPlanner(router)
	approvals := agent.NewApprovalManager(nil)
	orch := agent.NewOrchestrator(sessionStore, eventStore, registry, planner, approvals, persona.NewRouter(), nil, nil, agent.OrchestratorOptions{})

	cfg := &config.Config{}
	defaults := &config.Config{}

	s := NewServer(Config{
		Orchestrator: orch,
		Sessions:     sessionStore,
		Events:       eventStore,
		Approvals:    approvals,
		Auth:         StaticAuthStore{"tok": "u1"},
		Cfg:          cfg,
		Defaults:     defaults,
	})

	authCtx := newAuthContext("u1", defaultScopes)
	return s, authCtx
}

func callMethod(t *testing.T, s *Server, authCtx AuthContext, method string, params any) frame {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	c := &conn{auth: authCtx, sessionID: "sess-1"}
	f := &frame{Frame: frameRequest, ID: "req-1", Method: method, Params: raw}
	return s.dispatch(c, f)
}

func TestDispatchUnknownMethodReturnsUnknownMethod(t *testing.T) {
	s, authCtx := newTestServer(t)
	resp := callMethod(t, s, authCtx, "bogus.method", map[string]any{})
	if resp.Error == nil || resp.Error.Code != ErrUnknownMethod {
		t.Fatalf("expected UnknownMethod, got %+v", resp.Error)
	}
}

func TestDispatchMissingScopeReturnsForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	noScopes := newAuthContext("u1", nil)
	resp := callMethod(t, s, noScopes, "session.list", map[string]any{})
	if resp.Error == nil || resp.Error.Code != ErrForbidden {
		t.Fatalf("expected Forbidden, got %+v", resp.Error)
	}
}

func TestDispatchExecutionRunCompletesAndPersistsSession(t *testing.T) {
	s, authCtx := newTestServer(t)
	resp := callMethod(t, s, authCtx, "execution.run", executionRunParams{
		ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "hello",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(models.ExecutionResult)
	if !ok {
		t.Fatalf("Result is %T, want models.ExecutionResult", resp.Result)
	}
	if result.Status != models.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}

	historyResp := callMethod(t, s, authCtx, "session.history", sessionKeyParams{SessionKey: "cli:local:u1"})
	if historyResp.Error != nil {
		t.Fatalf("session.history error: %+v", historyResp.Error)
	}
}

func TestDispatchSessionClearRemovesHistory(t *testing.T) {
	s, authCtx := newTestServer(t)
	callMethod(t, s, authCtx, "execution.run", executionRunParams{
		ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "hello",
	})

	resp := callMethod(t, s, authCtx, "session.clear", sessionKeyParams{SessionKey: "cli:local:u1"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["removed"] != true {
		t.Fatalf("expected removed=true, got %+v", resp.Result)
	}
}

func TestDispatchConfigSetGetReset(t *testing.T) {
	s, authCtx := newTestServer(t)

	setResp := callMethod(t, s, authCtx, "config.set", configSetParams{Path: "server.host", Value: `"0.0.0.0"`})
	if setResp.Error != nil {
		t.Fatalf("config.set error: %+v", setResp.Error)
	}

	getResp := callMethod(t, s, authCtx, "config.get", configPathParams{Path: "server.host"})
	if getResp.Error != nil {
		t.Fatalf("config.get error: %+v", getResp.Error)
	}
	got, ok := getResp.Result.(map[string]any)
	if !ok || got["value"] != `"0.0.0.0"` {
		t.Fatalf("config.get result = %+v, want host 0.0.0.0", getResp.Result)
	}

	resetResp := callMethod(t, s, authCtx, "config.reset", configPathParams{Path: "server.host"})
	if resetResp.Error != nil {
		t.Fatalf("config.reset error: %+v", resetResp.Error)
	}
	getResp2 := callMethod(t, s, authCtx, "config.get", configPathParams{Path: "server.host"})
	got2 := getResp2.Result.(map[string]any)
	if got2["value"] != `""` {
		t.Fatalf("config.get after reset = %+v, want empty host", got2)
	}
}

func TestDispatchNodeRegisterAndList(t *testing.T) {
	s, authCtx := newTestServer(t)
	regResp := callMethod(t, s, authCtx, "node.register", nodeRegisterParams{NodeID: "node-1", Capabilities: []string{"gpu"}})
	if regResp.Error != nil {
		t.Fatalf("node.register error: %+v", regResp.Error)
	}

	listResp := callMethod(t, s, authCtx, "node.list", map[string]any{})
	if listResp.Error != nil {
		t.Fatalf("node.list error: %+v", listResp.Error)
	}
	result := listResp.Result.(map[string]any)
	nodes, ok := result["nodes"].([]nodeInfo)
	if !ok || len(nodes) != 1 || nodes[0].NodeID != "node-1" {
		t.Fatalf("nodes = %+v", result["nodes"])
	}
}

func TestDispatchA2ASendRunsOrchestrator(t *testing.T) {
	s, authCtx := newTestServer(t)
	resp := callMethod(t, s, authCtx, "a2a.send", a2aSendParams{TargetAgentID: "backend", Text: "build it"})
	if resp.Error != nil {
		t.Fatalf("a2a.send error: %+v", resp.Error)
	}
	result := resp.Result.(models.ExecutionResult)
	if result.Status != models.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
}

func TestDispatchApprovalRespondUnknownRequest(t *testing.T) {
	s, authCtx := newTestServer(t)
	resp := callMethod(t, s, authCtx, "approval.respond", approvalRespondParams{RequestID: "nope", Granted: true})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown approval request id")
	}
}
