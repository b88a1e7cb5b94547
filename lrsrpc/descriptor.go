package lrsrpc

import (
	"encoding/json"
	"fmt"
)

// OpCalculateMValue is the operation understood by the LRS compute service
// for projecting point events onto routes.
const OpCalculateMValue = "calculate_m_value"

// Descriptor encodes the logical operation and its string parameters into
// the opaque command token attached to an exchange session. The remote
// service dispatches solely on this token.
type Descriptor struct {
	Operation string
	Params    map[string]string
}

// NewDescriptor builds a descriptor for an operation with optional parameters.
func NewDescriptor(operation string, params map[string]string) Descriptor {
	return Descriptor{Operation: operation, Params: params}
}

// Token serializes the descriptor to its wire form. The encoding is
// deterministic: the same operation and parameters always produce the same
// bytes (JSON object keys are emitted in sorted order).
func (d Descriptor) Token() ([]byte, error) {
	if d.Operation == "" {
		return nil, fmt.Errorf("descriptor: operation must not be empty")
	}
	obj := make(map[string]string, len(d.Params)+1)
	for k, v := range d.Params {
		if k == "operation" {
			return nil, fmt.Errorf("descriptor: parameter name %q is reserved", k)
		}
		obj[k] = v
	}
	obj["operation"] = d.Operation
	return json.Marshal(obj)
}
