// Package mcpserve is the stdio JSON-RPC 2.0 face of the server. Frames are
// line-delimited JSON; stdout carries protocol frames and nothing else.
package mcpserve

import (
	"encoding/json"
	"fmt"

	"membank/internal/memcore"
)

// JSONRPCVersion is the protocol version field on every frame.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes, plus the server range used for the error
// taxonomy.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound     = -32001
	CodeConflict     = -32002
	CodeIO           = -32003
	CodeParseFailure = -32004
	CodeTimeout      = -32005
	CodeToolNotFound = -32006
	CodeUnauthorized = -32007
)

// Request is a JSON-RPC 2.0 request or notification (nil ID).
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response.
func NewResponse(id, result any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// UnmarshalRequest parses one frame.
func UnmarshalRequest(data []byte) (*Request, *RPCError) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "parse error", Data: err.Error()}
	}
	if req.JSONRPC != JSONRPCVersion {
		return nil, &RPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC),
		}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "missing method"}
	}
	return &req, nil
}

// errorResponseFor maps a taxonomy error onto the wire. The kind rides in
// data so clients do not parse messages.
func errorResponseFor(id any, err error) *Response {
	kind := memcore.KindOf(err)
	code := CodeInternalError
	switch kind {
	case memcore.KindInvalidInput:
		code = CodeInvalidParams
	case memcore.KindNotFound:
		code = CodeNotFound
	case memcore.KindConflict:
		code = CodeConflict
	case memcore.KindIO:
		code = CodeIO
	case memcore.KindParse:
		code = CodeParseFailure
	case memcore.KindTimeout:
		code = CodeTimeout
	case memcore.KindToolNotFound:
		code = CodeToolNotFound
	case memcore.KindUnauthorized:
		code = CodeUnauthorized
	}
	data := map[string]any{"kind": string(kind)}
	if field := memcore.FieldOf(err); field != "" {
		data["field"] = field
	}
	return NewErrorResponse(id, code, err.Error(), data)
}
