package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/first-fluke/cratos/internal/eventstore"
	"github.com/first-fluke/cratos/internal/persona"
	"github.com/first-fluke/cratos/internal/sessions"
	"github.com/first-fluke/cratos/pkg/models"
)

func newTestOrchestrator(t *testing.T, provider LLMProvider, opts OrchestratorOptions) (*Orchestrator, *ToolRegistry) {
	t.Helper()
	sessionStore := sessions.NewMemoryStore()
	eventStore := eventstore.NewMemoryStore()
	registry := NewToolRegistry()
	router := NewLlmRouter(ModelRouting{General: ModelTarget{Provider: provider, Model: "test-model"}})
	planner := NewPlanner(router)
	approvals := NewApprovalManager(nil)
	personaRouter := persona.NewRouter()

	orch := NewOrchestrator(sessionStore, eventStore, registry, planner, approvals, personaRouter, nil, nil, opts)
	return orch, registry
}

// TestOrchestratorPlainChatCompletes grounds scenario S1.
func TestOrchestratorPlainChatCompletes(t *testing.T) {
	provider := &fakeProvider{fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		return textChunks("hello back"), nil
	}}
	orch, _ := newTestOrchestrator(t, provider, OrchestratorOptions{})

	result := orch.Process(context.Background(), models.OrchestratorInput{
		ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "Hello",
	})

	if result.Status != models.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	if result.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", result.Iterations)
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("ToolCalls = %+v, want none", result.ToolCalls)
	}
	if result.Response == "" {
		t.Fatal("expected a non-empty response")
	}
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes text back" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`) }
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(params, &in)
	out, _ := json.Marshal(map[string]string{"echo": in.Text})
	return &ToolResult{Content: string(out)}, nil
}

// TestOrchestratorSingleToolCallCompletes grounds scenario S2.
func TestOrchestratorSingleToolCallCompletes(t *testing.T) {
	call := 0
	provider := &fakeProvider{fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		call++
		if call == 1 {
			ch := make(chan *CompletionChunk, 2)
			ch <- &CompletionChunk{ToolCall: &models.ToolCall{ID: "tc-1", Name: "echo", Arguments: `{"text":"hi"}`}}
			ch <- &CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		}
		return textChunks("done"), nil
	}}
	orch, registry := newTestOrchestrator(t, provider, OrchestratorOptions{})
	registry.Register(echoTool{})

	result := orch.Process(context.Background(), models.OrchestratorInput{
		ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "please echo hi",
	})

	if result.Status != models.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	if result.Iterations != 2 {
		t.Fatalf("Iterations = %d, want 2", result.Iterations)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].ToolName != "echo" || !result.ToolCalls[0].Success {
		t.Fatalf("ToolCalls = %+v", result.ToolCalls)
	}
	if result.Response != "done" {
		t.Fatalf("Response = %q, want done", result.Response)
	}
}

// TestOrchestratorRouterFallbackSucceeds grounds scenario S6 end to end
// through the Orchestrator rather than the router alone.
func TestOrchestratorRouterFallbackSucceeds(t *testing.T) {
	providerA := &fakeProvider{name: "A", fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		return nil, &QuotaError{Err: context.DeadlineExceeded}
	}}
	providerB := &fakeProvider{name: "B", fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		return textChunks("from fallback"), nil
	}}

	sessionStore := sessions.NewMemoryStore()
	eventStore := eventstore.NewMemoryStore()
	registry := NewToolRegistry()
	fallback := ModelTarget{Provider: providerB, Model: "modelY"}
	router := NewLlmRouter(ModelRouting{
		General:  ModelTarget{Provider: providerA, Model: "modelX"},
		Fallback: &fallback,
	})
	planner := NewPlanner(router)
	approvals := NewApprovalManager(nil)
	orch := NewOrchestrator(sessionStore, eventStore, registry, planner, approvals, persona.NewRouter(), nil, nil, OrchestratorOptions{})

	result := orch.Process(context.Background(), models.OrchestratorInput{
		ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "hi",
	})

	if result.Status != models.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	if result.Model != "modelY" {
		t.Fatalf("Model = %q, want modelY", result.Model)
	}
}

func TestOrchestratorCancelExecutionStopsRunningOne(t *testing.T) {
	blocked := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	sessionStore := sessions.NewMemoryStore()
	eventStore := eventstore.NewMemoryStore()
	registry := NewToolRegistry()
	router := NewLlmRouter(ModelRouting{General: ModelTarget{Provider: provider, Model: "test-model"}})
	planner := NewPlanner(router)
	approvals := NewApprovalManager(nil)
	bus := NewEventBus(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	orch := NewOrchestrator(sessionStore, eventStore, registry, planner, approvals, persona.NewRouter(), bus, nil, OrchestratorOptions{})

	done := make(chan models.ExecutionResult, 1)
	go func() {
		done <- orch.Process(context.Background(), models.OrchestratorInput{
			ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "hi",
		})
	}()

	var executionID string
	select {
	case ev := <-sub.Events:
		executionID = ev.ExecutionID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for UserInput event")
	}
	<-blocked

	if orch.ActiveExecutionCount() != 1 {
		t.Fatalf("ActiveExecutionCount() = %d, want 1", orch.ActiveExecutionCount())
	}
	if !orch.CancelExecution(executionID) {
		t.Fatal("CancelExecution() = false, want true for an active execution")
	}

	result := <-done
	if result.Status != models.StatusFailed {
		t.Fatalf("Status = %v, want Failed after cancellation", result.Status)
	}
	if orch.ActiveExecutionCount() != 0 {
		t.Fatalf("ActiveExecutionCount() = %d, want 0 after completion", orch.ActiveExecutionCount())
	}
}

func TestOrchestratorClearSessionRemovesHistory(t *testing.T) {
	provider := &fakeProvider{fn: func(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
		return textChunks("ok"), nil
	}}
	orch, _ := newTestOrchestrator(t, provider, OrchestratorOptions{})

	input := models.OrchestratorInput{ChannelType: "cli", ChannelID: "local", UserID: "u1", Text: "hi"}
	orch.Process(context.Background(), input)

	count, err := orch.SessionMessageCount(context.Background(), input.SessionKey())
	if err != nil {
		t.Fatalf("SessionMessageCount() error = %v", err)
	}
	if count == 0 {
		t.Fatal("expected session to have messages after Process")
	}

	if err := orch.ClearSession(context.Background(), input.SessionKey()); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	count, _ = orch.SessionMessageCount(context.Background(), input.SessionKey())
	if count != 0 {
		t.Fatalf("SessionMessageCount() = %d after clear, want 0", count)
	}
}
