package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"table", FormatTable, false},
		{"", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"  json  ", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatJSON)
	require.NoError(t, p.Print(map[string]int{"count": 3}))

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 3, decoded["count"])
}

func TestPrinterYAML(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatYAML)
	require.NoError(t, p.Print(map[string]string{"name": "photos"}))
	assert.Contains(t, buf.String(), "name: photos")
}

func TestPrinterTableFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, FormatTable)
	require.NoError(t, p.Print(map[string]string{"plain": "value"}))
	assert.Contains(t, buf.String(), `"plain"`)
}

func TestPrintTable(t *testing.T) {
	table := NewTableData("NAME", "SIZE")
	table.AddRow("report.pdf", "1.00MiB")
	table.AddRow("notes.txt", "12B")

	assert.Equal(t, []string{"NAME", "SIZE"}, table.Headers())
	require.Len(t, table.Rows(), 2)

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "report.pdf")
	assert.Contains(t, out, "notes.txt")
}

func TestSimpleTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SimpleTable(&buf, [][2]string{
		{"Local catalogue version", "7"},
		{"Remote snapshot", "none"},
	}))
	out := buf.String()
	assert.Contains(t, out, "Local catalogue version")
	assert.Contains(t, out, "none")
}
