package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Print renders a JSON response body in format: "json" (indented) or
// "yaml". Empty bodies print nothing.
func Print(w io.Writer, format string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	switch format {
	case "", "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			// Not JSON, e.g. an exported CSV.
			_, err = w.Write(body)
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	case "yaml":
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			_, err = w.Write(body)
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}
