package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Params carries the params/result object of a JSON-RPC message as a set of
// raw fields, so handlers can decode only the shape they expect without the
// node needing to know it up front.
type Params map[string]json.RawMessage

// NewParams marshals v (typically a struct or map) into a Params value.
func NewParams(v any) (Params, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error marshaling params: %w", err)
	}

	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("error unmarshaling params: %w", err)
	}
	return p, nil
}

// Translate decodes Params into v (typically a pointer to a struct).
func (p Params) Translate(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshaling params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshaling params: %w", err)
	}
	return nil
}

// Error reads the "error" key out of Params, if present, as a plain message;
// it reads back what NewErrorParams writes.
func (p Params) Error() error {
	raw, ok := p["error"]
	if !ok {
		return nil
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return errors.New(msg)
}

// NewErrorParams builds a Params value carrying a plain error message under
// the "error" key.
func NewErrorParams(msg string) Params {
	data, _ := json.Marshal(msg)
	return Params{"error": data}
}
