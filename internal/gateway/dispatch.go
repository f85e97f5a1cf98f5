package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/first-fluke/cratos/internal/config"
	"github.com/first-fluke/cratos/pkg/models"
)

// dispatch routes one validated request frame to its namespaced handler and
// always returns a response frame; it never panics out to the connection's
// read loop.
func (s *Server) dispatch(c *conn, f *frame) frame {
	entry, ok := s.methodTable[f.Method]
	if !ok {
		return errorFrame(f.ID, ErrUnknownMethod, "unknown method: "+f.Method)
	}
	if entry.scope != "" && !c.auth.HasScope(entry.scope) {
		return errorFrame(f.ID, ErrForbidden, "missing scope: "+entry.scope)
	}

	result, err := entry.handler(context.Background(), c, f.Params)
	if err != nil {
		if de, ok := err.(*dispatchError); ok {
			return errorFrame(f.ID, de.code, de.message)
		}
		return errorFrame(f.ID, ErrInternalError, err.Error())
	}
	return frame{Frame: frameResponse, ID: f.ID, Result: result}
}

type dispatchError struct {
	code    string
	message string
}

func (e *dispatchError) Error() string { return e.message }

func invalidParams(err error) error {
	return &dispatchError{code: ErrInvalidParams, message: err.Error()}
}

func notFound(message string) error {
	return &dispatchError{code: ErrInternalError, message: message}
}

type methodHandler func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

// methodEntry pairs a namespaced method's handler with the scope a caller
// must hold to invoke it.
type methodEntry struct {
	handler methodHandler
	scope   string
}

// buildMethodTable wires every namespaced method this gateway supports to
// its handler and the scope required to call it.
func (s *Server) buildMethodTable() map[string]methodEntry {
	return map[string]methodEntry{
		"session.history": {s.handleSessionHistory, ScopeSessionRead},
		"session.clear":   {s.handleSessionClear, ScopeSessionWrite},
		"session.list":    {s.handleSessionList, ScopeSessionRead},

		"execution.run":    {s.handleExecutionRun, ScopeExecutionRun},
		"execution.cancel": {s.handleExecutionCancel, ScopeExecutionReadWrite},
		"execution.get":    {s.handleExecutionGet, ScopeExecutionReadWrite},

		"approval.respond": {s.handleApprovalRespond, ScopeApprovalRespond},

		"node.register": {s.handleNodeRegister, ScopeNodeManage},
		"node.list":     {s.handleNodeList, ScopeNodeManage},
		"node.invoke":   {s.handleNodeInvoke, ScopeNodeManage},

		"a2a.send": {s.handleA2ASend, ScopeExecutionReadWrite},

		"config.get":   {s.handleConfigGet, ScopeConfigRead},
		"config.set":   {s.handleConfigSet, ScopeConfigWrite},
		"config.list":  {s.handleConfigList, ScopeConfigRead},
		"config.reset": {s.handleConfigReset, ScopeConfigWrite},
	}
}

// session.*

type sessionKeyParams struct {
	SessionKey string `json:"session_key"`
}

func (s *Server) handleSessionHistory(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	session, err := s.sessions.Get(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return map[string]any{"messages": []models.Message{}}, nil
	}
	return map[string]any{"messages": session.Messages, "current_tokens": session.CurrentTokens}, nil
}

func (s *Server) handleSessionClear(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	removed, err := s.sessions.Delete(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed}, nil
}

func (s *Server) handleSessionList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	keys, err := s.sessions.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_keys": keys}, nil
}

// execution.*

type executionRunParams struct {
	ChannelType          string `json:"channel_type"`
	ChannelID            string `json:"channel_id"`
	UserID               string `json:"user_id"`
	ThreadID             string `json:"thread_id"`
	Text                 string `json:"text"`
	SystemPromptOverride string `json:"system_prompt_override"`
}

func (s *Server) handleExecutionRun(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p executionRunParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	result := s.orchestrator.Process(ctx, models.OrchestratorInput{
		ChannelType:          p.ChannelType,
		ChannelID:            p.ChannelID,
		UserID:               p.UserID,
		ThreadID:             p.ThreadID,
		Text:                 p.Text,
		SystemPromptOverride: p.SystemPromptOverride,
	})
	return result, nil
}

type executionIDParams struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleExecutionCancel(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p executionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	cancelled := s.orchestrator.CancelExecution(p.ExecutionID)
	return map[string]any{"cancelled": cancelled}, nil
}

func (s *Server) handleExecutionGet(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p executionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if s.events == nil {
		return nil, notFound("event store not configured")
	}
	execution, err := s.events.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.GetExecutionEvents(ctx, p.ExecutionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"execution": execution, "events": events}, nil
}

// approval.*

type approvalRespondParams struct {
	RequestID string `json:"request_id"`
	Granted   bool   `json:"granted"`
}

func (s *Server) handleApprovalRespond(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p approvalRespondParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if s.approvals == nil {
		return nil, notFound("approval manager not configured")
	}
	if err := s.approvals.Respond(p.RequestID, p.Granted); err != nil {
		return nil, &dispatchError{code: ErrInvalidParams, message: err.Error()}
	}
	return map[string]any{"ok": true}, nil
}

// node.*

type nodeRegisterParams struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleNodeRegister(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p nodeRegisterParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	s.nodes.register(p.NodeID, c.sessionID, p.Capabilities)
	return map[string]any{"registered": true}, nil
}

func (s *Server) handleNodeList(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return map[string]any{"nodes": s.nodes.list()}, nil
}

type nodeInvokeParams struct {
	NodeID    string          `json:"node_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeout_ms"`
}

// handleNodeInvoke relays method/params to a registered node's own
// connection (typically a role="browser" extension) and returns whatever
// it answers with. The caller never learns whether the node is itself a
// browser extension relaying a Response frame asynchronously or a normal
// request/response participant — relayToNode hides that distinction.
func (s *Server) handleNodeInvoke(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p nodeInvokeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.NodeID == "" || p.Method == "" {
		return nil, invalidParams(fmt.Errorf("node_id and method are required"))
	}

	var timeout time.Duration
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	result, err := s.relayToNode(ctx, p.NodeID, p.Method, p.Params, timeout)
	if err != nil {
		return nil, &dispatchError{code: ErrInternalError, message: err.Error()}
	}
	return map[string]any{"result": json.RawMessage(result)}, nil
}

// a2a.*

type a2aSendParams struct {
	TargetAgentID string `json:"target_agent_id"`
	ThreadID      string `json:"thread_id"`
	Text          string `json:"text"`
}

func (s *Server) handleA2ASend(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p a2aSendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	result := s.orchestrator.Process(ctx, models.OrchestratorInput{
		ChannelType: "a2a",
		ChannelID:   p.TargetAgentID,
		UserID:      c.auth.UserID,
		ThreadID:    p.ThreadID,
		Text:        p.Text,
	})
	return result, nil
}

// config.*

type configPathParams struct {
	Path string `json:"path"`
}

func (s *Server) handleConfigGet(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p configPathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	value, ok, err := config.GetPath(s.cfg, p.Path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(fmt.Sprintf("unknown config path %q", p.Path))
	}
	return map[string]any{"path": p.Path, "value": value}, nil
}

func (s *Server) handleConfigList(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	paths, err := config.ListPaths(s.cfg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"paths": paths, "keys": config.SortedKeys(paths)}, nil
}

type configSetParams struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

func (s *Server) handleConfigSet(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p configSetParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := config.SetPath(s.cfg, p.Path, p.Value); err != nil {
		return nil, invalidParams(err)
	}
	if s.overridePath != "" {
		if err := config.SaveOverride(s.overridePath, s.cfg); err != nil {
			return nil, err
		}
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleConfigReset(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p configPathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := config.ResetPath(s.cfg, s.defaults, p.Path); err != nil {
		return nil, invalidParams(err)
	}
	if s.overridePath != "" {
		if err := config.SaveOverride(s.overridePath, s.cfg); err != nil {
			return nil, err
		}
	}
	return map[string]any{"ok": true}, nil
}
