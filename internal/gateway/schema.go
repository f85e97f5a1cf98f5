package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frameSchema, err := jsonschema.CompileString("gateway_request_frame", requestFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frameSchema

		methods := map[string]string{
			"connect":           connectParamsSchema,
			"session.history":   sessionHistoryParamsSchema,
			"session.clear":     sessionClearParamsSchema,
			"session.list":      sessionListParamsSchema,
			"execution.run":     executionRunParamsSchema,
			"execution.cancel":  executionCancelParamsSchema,
			"execution.get":     executionGetParamsSchema,
			"approval.respond":  approvalRespondParamsSchema,
			"node.register":     nodeRegisterParamsSchema,
			"node.list":         emptyParamsSchema,
			"a2a.send":          a2aSendParamsSchema,
			"config.get":        configGetParamsSchema,
			"config.set":        configSetParamsSchema,
			"config.list":       emptyParamsSchema,
			"config.reset":      configGetParamsSchema,
		}

		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, raw := range methods {
			compiled, err := jsonschema.CompileString("gateway_method_"+name, raw)
			if err != nil {
				schemas.initErr = fmt.Errorf("compiling schema for %s: %w", name, err)
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequestFrame checks the raw bytes against the envelope schema and,
// if the method has a registered params schema, validates params too.
func validateRequestFrame(raw []byte, f *frame) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.frame.Validate(payload); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("missing frame")
	}

	schema, ok := schemas.methods[f.Method]
	if !ok {
		return nil
	}
	var params any
	if len(f.Params) == 0 {
		params = map[string]any{}
	} else if err := json.Unmarshal(f.Params, &params); err != nil {
		return err
	}
	return schema.Validate(params)
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["frame", "id", "method"],
  "properties": {
    "frame": { "const": "request" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{ "type": "object", "additionalProperties": true }`

const connectParamsSchema = `{
  "type": "object",
  "required": ["token", "role", "protocol_version"],
  "properties": {
    "token": { "type": "string", "minLength": 1 },
    "role": { "type": "string", "minLength": 1 },
    "protocol_version": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const sessionHistoryParamsSchema = `{
  "type": "object",
  "required": ["session_key"],
  "properties": {
    "session_key": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionClearParamsSchema = sessionHistoryParamsSchema

const sessionListParamsSchema = `{ "type": "object", "additionalProperties": true }`

const executionRunParamsSchema = `{
  "type": "object",
  "required": ["channel_type", "channel_id", "user_id", "text"],
  "properties": {
    "channel_type": { "type": "string", "minLength": 1 },
    "channel_id": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string", "minLength": 1 },
    "thread_id": { "type": "string" },
    "text": { "type": "string", "minLength": 1 },
    "system_prompt_override": { "type": "string" }
  },
  "additionalProperties": true
}`

const executionCancelParamsSchema = `{
  "type": "object",
  "required": ["execution_id"],
  "properties": {
    "execution_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const executionGetParamsSchema = executionCancelParamsSchema

const approvalRespondParamsSchema = `{
  "type": "object",
  "required": ["request_id", "granted"],
  "properties": {
    "request_id": { "type": "string", "minLength": 1 },
    "granted": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const nodeRegisterParamsSchema = `{
  "type": "object",
  "required": ["node_id"],
  "properties": {
    "node_id": { "type": "string", "minLength": 1 },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const a2aSendParamsSchema = `{
  "type": "object",
  "required": ["target_agent_id", "text"],
  "properties": {
    "target_agent_id": { "type": "string", "minLength": 1 },
    "thread_id": { "type": "string" },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const configGetParamsSchema = `{
  "type": "object",
  "properties": {
    "path": { "type": "string" }
  },
  "additionalProperties": true
}`

const configSetParamsSchema = `{
  "type": "object",
  "required": ["path", "value"],
  "properties": {
    "path": { "type": "string", "minLength": 1 },
    "value": { "type": "string" }
  },
  "additionalProperties": true
}`
