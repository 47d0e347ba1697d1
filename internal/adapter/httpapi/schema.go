package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gemini-bridge/internal/domain"
)

const searchSchema = `{
  "type": "object",
  "required": ["query"],
  "additionalProperties": false,
  "properties": {
    "query":          {"type": "string", "minLength": 1},
    "limit":          {"type": "integer", "minimum": 1, "maximum": 50},
    "raw":            {"type": "boolean"},
    "sandbox":        {"type": "boolean"},
    "yolo":           {"type": "boolean"},
    "model":          {"type": "string"},
    "workdir":        {"type": "string"},
    "allow_fallback": {"type": "boolean"}
  }
}`

const chatSchema = `{
  "type": "object",
  "required": ["prompt"],
  "additionalProperties": false,
  "properties": {
    "prompt":         {"type": "string", "minLength": 1},
    "sandbox":        {"type": "boolean"},
    "yolo":           {"type": "boolean"},
    "model":          {"type": "string"},
    "workdir":        {"type": "string"},
    "allow_fallback": {"type": "boolean"}
  }
}`

type schemas struct {
	search *jsonschema.Schema
	chat   *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	search, err := compileSchema("search.json", searchSchema)
	if err != nil {
		return nil, err
	}
	chat, err := compileSchema("chat.json", chatSchema)
	if err != nil {
		return nil, err
	}
	return &schemas{search: search, chat: chat}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return compiled, nil
}

var errBodyTooLarge = domain.NewDomainError("httpapi.decodeBody", domain.ErrLimitReached, "request body too large (max 1MB)")

// decodeBody reads at most maxBodyBytes, validates the JSON against schema
// and decodes it into dst. Validation failures wrap domain.ErrInvalidInput.
func decodeBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return domain.NewDomainError("httpapi.decodeBody", domain.ErrInvalidInput, err.Error())
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.NewDomainError("httpapi.decodeBody", domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}
	if err := schema.Validate(doc); err != nil {
		return domain.NewDomainError("httpapi.decodeBody", domain.ErrInvalidInput, "schema validation failed: "+err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.NewDomainError("httpapi.decodeBody", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
