package natmsg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Envelope shapes are enforced with JSON Schema (Draft-7) on top of the
// typed unmarshal. The schemas are the closed contract for the process
// boundary: required fields per variant, no additional properties, so a
// malformed frame can never be misread as a different, valid operation.

const (
	schemaId      = `{"type": "string", "minLength": 1}`
	schemaOptStr  = `{"type": "string"}`
	schemaStrList = `{"type": "array", "items": {"type": "string"}}`
)

func requestSchema(msgType string, required []string, extraProps map[string]string) string {
	props := map[string]string{
		"type": fmt.Sprintf(`{"enum": [%q]}`, msgType),
		"id":   schemaId,
		"path": schemaOptStr,
	}
	for name, schema := range extraProps {
		props[name] = schema
	}
	return buildObjectSchema(props, append([]string{"type", "id"}, required...))
}

func responseSchema(msgType string, required []string, extraProps map[string]string) string {
	props := map[string]string{
		"type": fmt.Sprintf(`{"enum": [%q]}`, msgType),
		"id":   schemaId,
	}
	for name, schema := range extraProps {
		props[name] = schema
	}
	return buildObjectSchema(props, append([]string{"type", "id"}, required...))
}

func buildObjectSchema(props map[string]string, required []string) string {
	var sb strings.Builder
	sb.WriteString(`{"$schema": "http://json-schema.org/draft-07/schema#", "type": "object", "properties": {`)
	first := true
	for name, schema := range props {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%q: %s", name, schema)
	}
	sb.WriteString(`}, "required": [`)
	for i, name := range required {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", name)
	}
	sb.WriteString(`], "additionalProperties": false}`)
	return sb.String()
}

var requestSchemas = compileSchemas(map[string]string{
	TypePing:         requestSchema(TypePing, nil, nil),
	TypeListPatterns: requestSchema(TypeListPatterns, nil, nil),
	TypeListContexts: requestSchema(TypeListContexts, nil, nil),
	TypeProcessContent: requestSchema(TypeProcessContent, []string{"content"}, map[string]string{
		"content":      schemaOptStr,
		"model":        schemaOptStr,
		"pattern":      schemaOptStr,
		"context":      schemaOptStr,
		"customPrompt": schemaOptStr,
	}),
	TypeCancelProcess: requestSchema(TypeCancelProcess, []string{"requestId"}, map[string]string{
		"requestId": schemaId,
	}),
})

var responseSchemas = compileSchemas(map[string]string{
	TypePong: responseSchema(TypePong, []string{"valid"}, map[string]string{
		"resolvedPath": schemaOptStr,
		"version":      schemaOptStr,
		"valid":        `{"type": "boolean"}`,
	}),
	TypePatternsList: responseSchema(TypePatternsList, []string{"patterns"}, map[string]string{
		"patterns": schemaStrList,
	}),
	TypeContextsList: responseSchema(TypeContextsList, []string{"contexts"}, map[string]string{
		"contexts": schemaStrList,
	}),
	TypeContent: responseSchema(TypeContent, []string{"content"}, map[string]string{
		"content": schemaOptStr,
	}),
	TypeDone: responseSchema(TypeDone, nil, map[string]string{
		"exitCode": `{"type": ["integer", "null"]}`,
	}),
	TypeError: responseSchema(TypeError, []string{"message"}, map[string]string{
		"message": schemaOptStr,
	}),
	TypeCancelled: responseSchema(TypeCancelled, []string{"requestId"}, map[string]string{
		"requestId": schemaId,
	}),
})

// compileSchemas compiles the schema source for every message type. The
// sources are package constants, so failure here is a programming error and
// panics at init rather than surfacing per-frame.
func compileSchemas(sources map[string]string) map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(sources))
	for msgType, source := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			panic(fmt.Sprintf("natmsg: invalid schema for %s: %v", msgType, err))
		}
		compiled[msgType] = schema
	}
	return compiled
}

// validateAgainst checks a raw frame against a compiled envelope schema and
// flattens the result into one readable error.
func validateAgainst(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.New(strings.Join(details, "; "))
}
