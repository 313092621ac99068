package cli

import (
	"encoding/json"
	"io"
)

// WriteOutput writes a value as indented JSON.
func WriteOutput(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
