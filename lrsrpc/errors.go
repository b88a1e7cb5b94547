package lrsrpc

import (
	"encoding/json"
	"fmt"
)

// Phase names a direction of the exchange, used to attribute failures.
type Phase string

const (
	PhaseSend  Phase = "send"
	PhaseDrain Phase = "drain"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError represents an error reported by the remote service through an
// EXCEPTION-level metadata frame.
type RpcError struct {
	Type      string // e.g. "ValueError", "RuntimeError"
	Message   string
	Traceback string
	RequestID string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// errorExtra is the JSON structure carried in lrs_rpc.log_extra on
// EXCEPTION-level frames.
type errorExtra struct {
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
	Traceback        string `json:"traceback"`
}

// decodeRemoteError builds an *RpcError from an error frame's metadata.
// When log_extra is absent or malformed, the frame's message stands alone.
func decodeRemoteError(msg LogMessage, requestID string) *RpcError {
	rpcErr := &RpcError{
		Type:      "RemoteError",
		Message:   msg.Message,
		RequestID: requestID,
	}
	if msg.Extra == "" {
		return rpcErr
	}
	var extra errorExtra
	if err := json.Unmarshal([]byte(msg.Extra), &extra); err != nil {
		return rpcErr
	}
	if extra.ExceptionType != "" {
		rpcErr.Type = extra.ExceptionType
	}
	if extra.ExceptionMessage != "" {
		rpcErr.Message = extra.ExceptionMessage
	}
	rpcErr.Traceback = extra.Traceback
	return rpcErr
}

// ConfigError reports an invalid session configuration. It is always raised
// before any channel or sink resource is created.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// SchemaError reports a batch or frame that violates its bound schema
// contract. It is fatal to the session.
type SchemaError struct {
	Phase  Phase
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation (%s): %s", e.Phase, e.Reason)
}

// TransportError wraps an I/O failure on the exchange channel with the phase
// it occurred in.
type TransportError struct {
	Phase Phase
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport (%s): %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
