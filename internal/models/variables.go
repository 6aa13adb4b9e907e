package models

import (
	"encoding/json"
	"fmt"
)

// VariablesVersion is the schema version written next to persisted variables.
const VariablesVersion = 1

// Variables are passed through to the sender untouched. Values must be JSON
// scalars: string, number, bool or null.
type Variables map[string]any

func (v Variables) Validate() error {
	for k, val := range v {
		if k == "" {
			return fmt.Errorf("variable name is empty")
		}
		switch val.(type) {
		case nil, string, bool, json.Number,
			float32, float64, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
		default:
			return fmt.Errorf("variable %q: unsupported type %T", k, val)
		}
	}
	return nil
}

// Strings renders every value with fmt, for senders that only deal in text.
func (v Variables) Strings() map[string]string {
	out := make(map[string]string, len(v))
	for k, val := range v {
		if val == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(val)
	}
	return out
}

type variablesEnvelope struct {
	Version int       `json:"version"`
	Values  Variables `json:"values"`
}

// EncodeVariables produces the versioned envelope stored in the jobs table.
func EncodeVariables(v Variables) ([]byte, error) {
	if v == nil {
		v = Variables{}
	}
	return json.Marshal(variablesEnvelope{Version: VariablesVersion, Values: v})
}

// DecodeVariables reads an envelope written by EncodeVariables.
func DecodeVariables(b []byte) (Variables, error) {
	if len(b) == 0 {
		return Variables{}, nil
	}
	var env variablesEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if env.Version != VariablesVersion {
		return nil, fmt.Errorf("unsupported variables version %d", env.Version)
	}
	if env.Values == nil {
		env.Values = Variables{}
	}
	return env.Values, nil
}
