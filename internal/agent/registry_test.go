package agent

import (
	"context"
	"encoding/json"
	"testing"
)

type stubTool struct {
	name   string
	result *ToolResult
	err    error
}

func (s *stubTool) Name() string              { return s.name }
func (s *stubTool) Description() string       { return "stub tool " + s.name }
func (s *stubTool) Schema() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return s.result, s.err
}

func TestToolRegistryRegisterGetExecute(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&stubTool{name: "echo", result: &ToolResult{Content: "hi"}})

	tool, ok := reg.Get("echo")
	if !ok || tool.Name() != "echo" {
		t.Fatalf("Get() = %v, %v", tool, ok)
	}

	result, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Content != "hi" {
		t.Fatalf("result.Content = %q, want hi", result.Content)
	}
}

func TestToolRegistryExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	reg := NewToolRegistry()
	result, err := reg.Execute(context.Background(), "missing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError=true for unknown tool")
	}
}

func TestToolRegistryUnregisterRemovesTool(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&stubTool{name: "echo"})
	reg.Unregister("echo")
	if _, ok := reg.Get("echo"); ok {
		t.Fatal("expected echo to be removed")
	}
}

func TestToolRegistryListReturnsDefinitions(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&stubTool{name: "echo"})
	defs := reg.List()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("List() = %+v", defs)
	}
}

func TestToolRegistryAsLLMToolsReturnsAllRegistered(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&stubTool{name: "a"})
	reg.Register(&stubTool{name: "b"})
	if len(reg.AsLLMTools()) != 2 {
		t.Fatalf("AsLLMTools() len = %d, want 2", len(reg.AsLLMTools()))
	}
}

type schemaBoundTool struct {
	stubTool
	schema json.RawMessage
}

func (s *schemaBoundTool) Schema() json.RawMessage { return s.schema }

func TestToolRegistryExecuteRejectsParamsMissingRequiredField(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&schemaBoundTool{
		stubTool: stubTool{name: "write", result: &ToolResult{Content: "ok"}},
		schema:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	})

	result, err := reg.Execute(context.Background(), "write", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError=true for params missing a required field")
	}
}

func TestToolRegistryExecuteAcceptsValidParams(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&schemaBoundTool{
		stubTool: stubTool{name: "write", result: &ToolResult{Content: "ok"}},
		schema:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	})

	result, err := reg.Execute(context.Background(), "write", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError || result.Content != "ok" {
		t.Fatalf("result = %+v, want the tool's own result", result)
	}
}

func TestToolRegistryExecuteToleratesToolsWithNoSchema(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&schemaBoundTool{
		stubTool: stubTool{name: "freeform", result: &ToolResult{Content: "ok"}},
		schema:   nil,
	})

	result, err := reg.Execute(context.Background(), "freeform", json.RawMessage(`{"anything":"goes"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("result = %+v, want success for a tool with no schema", result)
	}
}
