// Package api implements the public HTTP surface: the three upload and
// authorization endpoints the mobile clients call.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// IntegerBool unmarshals a required 0/1 JSON integer into a bool. The
// wire format never uses JSON boolean literals for these fields.
type IntegerBool bool

// UnmarshalJSON accepts only the literals 0 and 1.
func (b *IntegerBool) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte("0")):
		*b = false
	case bytes.Equal(data, []byte("1")):
		*b = true
	default:
		return fmt.Errorf("must be the integer 0 or 1, got %s", data)
	}
	return nil
}

// MarshalJSON renders the bool back as 0 or 1.
func (b IntegerBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

var _ json.Marshaler = IntegerBool(false)
