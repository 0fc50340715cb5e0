// Package rpc implements the JSON-RPC 2.0 surface over a persistent
// bidirectional text channel, and the thin Session Orchestrator that maps
// incoming requests onto the memory runtime, the conversation scorer, and
// the external chat-completion collaborator.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/wrenmoor/aria"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Result is always present, null on
// error, per the wire contract.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC default error codes plus the application range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeInternal            = -32000
	codeInvalidPersona      = -32001
	codeEmbedderUnavailable = -32002
	codePruneInProgress     = -32003
	codeMemoryNotFound      = -32004
)

// Streaming event types for persona.chat_stream. Events are correlated
// responses sharing the originating request id, with result.event_type
// distinguishing them.
const (
	eventStreamStart     = "stream_start"
	eventStreamChunk     = "stream_chunk"
	eventStreamComplete  = "stream_complete"
	eventStreamError     = "stream_error"
	eventStreamCancelled = "stream_cancelled"
)

func okResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", Result: result, ID: id}
}

func errResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  nil,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// appCode maps the core's stable application error codes onto the numeric
// JSON-RPC range, carrying the string code and operation in error.data.
func appCode(code string) int {
	switch code {
	case aria.CodeInvalidPersona:
		return codeInvalidPersona
	case aria.CodeEmbedderUnavailable:
		return codeEmbedderUnavailable
	case aria.CodePruneInProgress:
		return codePruneInProgress
	case aria.CodeMemoryNotFound:
		return codeMemoryNotFound
	default:
		return codeInternal
	}
}

func errorResponseFor(id json.RawMessage, err error) *Response {
	var ariaErr *aria.Error
	if errors.As(err, &ariaErr) {
		return errResponse(id, appCode(ariaErr.Code), ariaErr.Message, map[string]any{
			"code": ariaErr.Code,
			"op":   ariaErr.Op,
		})
	}
	return errResponse(id, codeInternal, err.Error(), map[string]any{"code": aria.CodeInternal})
}
