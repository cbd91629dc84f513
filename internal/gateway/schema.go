package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const maxBodyBytes = 1 << 20

const createTaskSchemaJSON = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 500},
		"description": {"type": "string", "maxLength": 10000},
		"status": {"enum": ["early-intake", "planning", "assigned", "active", "testing", "review", "complete"]},
		"priority": {"enum": ["low", "normal", "high", "urgent"]},
		"assigned_agent_id": {"type": "string"},
		"created_by_agent_id": {"type": "string"},
		"due_date": {"type": "string"}
	}
}`

const updateTaskSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"minProperties": 1,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 500},
		"description": {"type": "string", "maxLength": 10000},
		"status": {"enum": ["early-intake", "planning", "assigned", "active", "testing", "review", "complete"]},
		"priority": {"enum": ["low", "normal", "high", "urgent"]},
		"assigned_agent_id": {"type": "string"},
		"updated_by_agent_id": {"type": "string"},
		"due_date": {"type": "string"}
	}
}`

var (
	createTaskSchema = mustCompileSchema("create_task.json", createTaskSchemaJSON)
	updateTaskSchema = mustCompileSchema("update_task.json", updateTaskSchemaJSON)
)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validateBody reads the request body and validates it against the schema,
// returning the raw bytes for a second decode into the typed request.
func validateBody(r *http.Request, schema *jsonschema.Schema) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return body, nil
}
