// Package jsonutil prints structs as one "Name: value" line per field for the terminal.
package jsonutil

import (
	"bytes"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var formatter = newFormatter()

func newFormatter() *prettyjson.Formatter {
	f := prettyjson.NewFormatter()
	f.Indent = 0
	f.Newline = ""
	return f
}

// SetColor enables or disables colored values.
func SetColor(enabled bool) {
	formatter.DisabledColor = !enabled
}

// MarshalCompactPretty formats the fields of struct v sorted by name.
// Nested structs are printed as compact JSON objects.
func MarshalCompactPretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	m := structs.Map(v)
	names := structs.Names(v)
	sort.Strings(names)
	for _, name := range names {
		val, ok := m[name]
		if !ok {
			continue
		}
		b, err := formatter.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
