package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxBodyBytes = 1 << 20

const terminalizeSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["task_id", "outcome", "actor"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "outcome": {"enum": ["success", "failed", "cancelled"]},
    "run_ref": {"type": "string"},
    "commit_sha": {"type": "string"},
    "actor": {"type": "string", "minLength": 1},
    "override_token": {"type": "string"},
    "role": {"type": "string"}
  }
}`

const repairSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "dry_run": {"type": "boolean"},
    "limit": {"type": "integer", "minimum": 0, "maximum": 1000}
  }
}`

const eventSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["topic"],
  "properties": {
    "id": {"type": "string", "maxLength": 128},
    "task_id": {"type": "string", "maxLength": 256},
    "topic": {"type": "string", "pattern": "^[a-z][a-z0-9_]*(\\.[a-z0-9_]+)+$"},
    "status": {"type": "string"},
    "created_at": {"type": "string"},
    "metadata": {"type": "object"}
  }
}`

const governanceSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["armed"],
  "properties": {
    "armed": {"type": "boolean"},
    "actor": {"type": "string"},
    "reason": {"type": "string"}
  }
}`

// schemas holds the compiled request-body schemas keyed by route name.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	out := schemas{}
	for name, src := range map[string]string{
		"terminalize": terminalizeSchema,
		"repair":      repairSchema,
		"event":       eventSchema,
		"governance":  governanceSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		url := name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// requestError is a body that failed to parse or validate.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// decode validates body against the named schema and unmarshals it into dst.
// An empty body is treated as {}.
func (s schemas) decode(name string, body io.Reader, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		return &requestError{msg: "read body: " + err.Error()}
	}
	if len(raw) > maxBodyBytes {
		return &requestError{msg: "request body too large"}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &requestError{msg: "invalid JSON: " + err.Error()}
	}
	if err := s[name].Validate(doc); err != nil {
		return &requestError{msg: "schema validation failed: " + err.Error()}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &requestError{msg: "decode body: " + err.Error()}
	}
	return nil
}
