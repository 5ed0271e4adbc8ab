package natmsg

import (
	"encoding/json"
	"fmt"
)

// Request type discriminants (host-bound). The `native.` prefix matches the
// extension's message namespace.
const (
	TypePing           = "native.ping"
	TypeListPatterns   = "native.listPatterns"
	TypeListContexts   = "native.listContexts"
	TypeProcessContent = "native.processContent"
	TypeCancelProcess  = "native.cancelProcess"
)

// Response type discriminants (peer-bound).
const (
	TypePong         = "native.pong"
	TypePatternsList = "native.patternsList"
	TypeContextsList = "native.contextsList"
	TypeContent      = "native.content"
	TypeDone         = "native.done"
	TypeError        = "native.error"
	TypeCancelled    = "native.cancelled"
)

// Request is the host-bound envelope: a tagged union over the request types,
// flattened into one struct with per-type optional fields. Type and Id are
// mandatory for every variant.
type Request struct {
	Type string `json:"type"`
	Id   string `json:"id"`

	// Path optionally overrides the configured fabric executable path.
	Path string `json:"path,omitempty"`

	// processContent fields.
	Content      string `json:"content,omitempty"`
	Model        string `json:"model,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	Context      string `json:"context,omitempty"`
	CustomPrompt string `json:"customPrompt,omitempty"`

	// cancelProcess: correlation id of the operation to cancel.
	RequestId string `json:"requestId,omitempty"`
}

// Response is the peer-bound envelope. Id carries the correlation id of the
// originating request; for content/done/error frames that is the id of the
// long-running processContent operation they belong to.
type Response struct {
	Type string `json:"type"`
	Id   string `json:"id"`

	// pong fields. Valid is a pointer so that `valid: false` still
	// serializes; a pong without a validity verdict is not a pong.
	ResolvedPath string `json:"resolvedPath,omitempty"`
	Version      string `json:"version,omitempty"`
	Valid        *bool  `json:"valid,omitempty"`

	Patterns []string `json:"patterns,omitempty"`
	Contexts []string `json:"contexts,omitempty"`

	Content string `json:"content,omitempty"`

	// done: exit code of the finished process, absent when termination was
	// abnormal (signal kill) and no code exists.
	ExitCode *int `json:"exitCode,omitempty"`

	Message string `json:"message,omitempty"`

	// cancelled: correlation id of the operation that was cancelled.
	RequestId string `json:"requestId,omitempty"`
}

// IsTerminal reports whether the response ends a streaming operation.
func (r *Response) IsTerminal() bool {
	switch r.Type {
	case TypeDone, TypeError, TypeCancelled:
		return true
	}
	return false
}

// NewPing builds a handshake request. path may be empty.
func NewPing(id, path string) *Request {
	return &Request{Type: TypePing, Id: id, Path: path}
}

// NewListPatterns builds a pattern enumeration request.
func NewListPatterns(id, path string) *Request {
	return &Request{Type: TypeListPatterns, Id: id, Path: path}
}

// NewListContexts builds a context enumeration request.
func NewListContexts(id, path string) *Request {
	return &Request{Type: TypeListContexts, Id: id, Path: path}
}

// NewProcessContent builds a streaming content-processing request. Optional
// fields are set directly on the returned request.
func NewProcessContent(id, content string) *Request {
	return &Request{Type: TypeProcessContent, Id: id, Content: content}
}

// NewCancelProcess builds a cancellation request targeting requestId.
func NewCancelProcess(id, requestId, path string) *Request {
	return &Request{Type: TypeCancelProcess, Id: id, RequestId: requestId, Path: path}
}

// NewPong builds a handshake response.
func NewPong(id, resolvedPath, version string, valid bool) *Response {
	return &Response{
		Type:         TypePong,
		Id:           id,
		ResolvedPath: resolvedPath,
		Version:      version,
		Valid:        &valid,
	}
}

// NewPatternsList builds a pattern enumeration response.
func NewPatternsList(id string, patterns []string) *Response {
	return &Response{Type: TypePatternsList, Id: id, Patterns: patterns}
}

// NewContextsList builds a context enumeration response.
func NewContextsList(id string, contexts []string) *Response {
	return &Response{Type: TypeContextsList, Id: id, Contexts: contexts}
}

// NewContent builds one streamed output line.
func NewContent(id, content string) *Response {
	return &Response{Type: TypeContent, Id: id, Content: content}
}

// NewDone builds the terminal frame for a normally finished operation.
// exitCode is nil when the process was terminated abnormally.
func NewDone(id string, exitCode *int) *Response {
	return &Response{Type: TypeDone, Id: id, ExitCode: exitCode}
}

// NewError builds a scoped error response.
func NewError(id, message string) *Response {
	return &Response{Type: TypeError, Id: id, Message: message}
}

// NewCancelled builds the terminal frame for a cancelled operation.
// id is the envelope id of the cancelProcess request, requestId names the
// operation that was cancelled.
func NewCancelled(id, requestId string) *Response {
	return &Response{Type: TypeCancelled, Id: id, RequestId: requestId}
}

// MarshalJSON serializes exactly the fields belonging to the request's
// variant, so a required-but-empty field (e.g. an empty content body) is
// never dropped and optional fields never leak across variants.
func (r *Request) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"type": r.Type,
		"id":   r.Id,
	}
	if r.Path != "" {
		m["path"] = r.Path
	}
	switch r.Type {
	case TypeProcessContent:
		m["content"] = r.Content
		if r.Model != "" {
			m["model"] = r.Model
		}
		if r.Pattern != "" {
			m["pattern"] = r.Pattern
		}
		if r.Context != "" {
			m["context"] = r.Context
		}
		if r.CustomPrompt != "" {
			m["customPrompt"] = r.CustomPrompt
		}
	case TypeCancelProcess:
		m["requestId"] = r.RequestId
	}
	return json.Marshal(m)
}

// MarshalJSON serializes exactly the fields belonging to the response's
// variant. Mandatory fields always appear: `valid: false`, an empty
// patterns array and a null exitCode all survive serialization.
func (r *Response) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"type": r.Type,
		"id":   r.Id,
	}
	switch r.Type {
	case TypePong:
		if r.ResolvedPath != "" {
			m["resolvedPath"] = r.ResolvedPath
		}
		if r.Version != "" {
			m["version"] = r.Version
		}
		valid := false
		if r.Valid != nil {
			valid = *r.Valid
		}
		m["valid"] = valid
	case TypePatternsList:
		m["patterns"] = emptyIfNil(r.Patterns)
	case TypeContextsList:
		m["contexts"] = emptyIfNil(r.Contexts)
	case TypeContent:
		m["content"] = r.Content
	case TypeDone:
		if r.ExitCode != nil {
			m["exitCode"] = *r.ExitCode
		} else {
			m["exitCode"] = nil
		}
	case TypeError:
		m["message"] = r.Message
	case TypeCancelled:
		m["requestId"] = r.RequestId
	}
	return json.Marshal(m)
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// envelopeProbe extracts the discriminant and correlation id without
// committing to a variant shape.
type envelopeProbe struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

// DecodeRequest decodes and validates a host-bound envelope. Returns
// *DecodeError for payloads that are not JSON objects and *ValidationError
// (carrying the recovered id where possible) for unknown types or shapes
// that fail schema validation. No partial dispatch: a frame either matches
// one known request shape exactly or is rejected.
func DecodeRequest(data []byte) (*Request, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Err: err}
	}

	if probe.Id == "" {
		return nil, &ValidationError{Details: "missing required field: id"}
	}

	schema, ok := requestSchemas[probe.Type]
	if !ok {
		return nil, &ValidationError{
			Id:      probe.Id,
			Details: fmt.Sprintf("unknown request type %q", probe.Type),
		}
	}

	if err := validateAgainst(schema, data); err != nil {
		return nil, &ValidationError{Id: probe.Id, Details: err.Error()}
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &req, nil
}

// DecodeResponse decodes and validates a peer-bound envelope. Same error
// contract as DecodeRequest; on the peer side validation errors are logged
// and the frame dropped rather than torn down.
func DecodeResponse(data []byte) (*Response, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Err: err}
	}

	if probe.Id == "" {
		return nil, &ValidationError{Details: "missing required field: id"}
	}

	schema, ok := responseSchemas[probe.Type]
	if !ok {
		return nil, &ValidationError{
			Id:      probe.Id,
			Details: fmt.Sprintf("unknown response type %q", probe.Type),
		}
	}

	if err := validateAgainst(schema, data); err != nil {
		return nil, &ValidationError{Id: probe.Id, Details: err.Error()}
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &resp, nil
}
