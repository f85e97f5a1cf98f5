package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestTargetConn(t *testing.T, s *Server, sessionID, nodeID string) *conn {
	t.Helper()
	target := &conn{sessionID: sessionID, out: make(chan frame, 4), done: make(chan struct{})}
	s.conns.register(target)
	s.nodes.register(nodeID, sessionID, nil)
	return target
}

func TestRelayToNodeDeliversResponse(t *testing.T) {
	s, _ := newTestServer(t)
	target := newTestTargetConn(t, s, "browser-sess", "node-1")

	go func() {
		req := <-target.out
		s.relay.resolve(frame{Frame: frameResponse, ID: req.ID, Result: map[string]any{"ok": true}})
	}()

	result, err := s.relayToNode(context.Background(), "node-1", "dom.query", json.RawMessage(`{"selector":"body"}`), time.Second)
	if err != nil {
		t.Fatalf("relayToNode() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["ok"] != true {
		t.Fatalf("result = %+v, want ok=true", decoded)
	}
}

func TestRelayToNodeSurfacesNodeError(t *testing.T) {
	s, _ := newTestServer(t)
	target := newTestTargetConn(t, s, "browser-sess", "node-1")

	go func() {
		req := <-target.out
		s.relay.resolve(frame{Frame: frameResponse, ID: req.ID, Error: &frameError{Code: "DomNotFound", Message: "selector not found"}})
	}()

	_, err := s.relayToNode(context.Background(), "node-1", "dom.query", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error when the node answers with a Response error")
	}
}

func TestRelayToNodeTimesOutWithoutAnswer(t *testing.T) {
	s, _ := newTestServer(t)
	newTestTargetConn(t, s, "browser-sess", "node-1")

	_, err := s.relayToNode(context.Background(), "node-1", "dom.query", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestRelayToNodeUnknownNodeErrors(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.relayToNode(context.Background(), "missing-node", "dom.query", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error for an unregistered node")
	}
}

func TestRelayToNodeDisconnectedTargetErrors(t *testing.T) {
	s, _ := newTestServer(t)
	target := newTestTargetConn(t, s, "browser-sess", "node-1")
	close(target.done)

	_, err := s.relayToNode(context.Background(), "node-1", "dom.query", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error when the target connection is already closed")
	}
}

func TestDispatchNodeInvokeRelaysToRegisteredNode(t *testing.T) {
	s, authCtx := newTestServer(t)
	target := newTestTargetConn(t, s, "browser-sess", "node-1")

	go func() {
		req := <-target.out
		s.relay.resolve(frame{Frame: frameResponse, ID: req.ID, Result: map[string]any{"clicked": true}})
	}()

	resp := callMethod(t, s, authCtx, "node.invoke", nodeInvokeParams{
		NodeID:    "node-1",
		Method:    "dom.click",
		Params:    json.RawMessage(`{"selector":"#go"}`),
		TimeoutMs: 2000,
	})
	if resp.Error != nil {
		t.Fatalf("node.invoke error: %+v", resp.Error)
	}
}

func TestDispatchNodeInvokeMissingFieldsIsInvalidParams(t *testing.T) {
	s, authCtx := newTestServer(t)
	resp := callMethod(t, s, authCtx, "node.invoke", nodeInvokeParams{})
	if resp.Error == nil || resp.Error.Code != ErrInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", resp.Error)
	}
}
