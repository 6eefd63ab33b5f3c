package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintTable(t *testing.T) {
	data := NewTableData("ID", "NAME", "ACCESS")
	data.AddRow("1", "PSX Sounds", "full")
	data.AddRow("2", "BACARS", "observer")

	var buf bytes.Buffer
	err := PrintTable(&buf, data)
	assert.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "PSX Sounds")
	assert.Contains(t, out, "observer")
}
