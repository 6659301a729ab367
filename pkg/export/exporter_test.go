package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Headers: []string{"Semester", "Date", "Student", "Status"},
		GroupBy: "Semester",
		Rows: []map[string]string{
			{"Semester": "First Semester", "Date": "2024-08-05", "Student": "S001", "Status": "present"},
			{"Semester": "Second Semester", "Date": "2025-01-10", "Student": "S001", "Status": "late"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset(), "")
	require.NoError(t, err)
	assert.Equal(t, "Semester,Date,Student,Status\nFirst Semester,2024-08-05,S001,present\nSecond Semester,2025-01-10,S001,late\n", string(out))

	_, err = NewCSVExporter().Render(Dataset{}, "")
	require.Error(t, err)
}

func TestCSVExporterNeutralizesFormulasAndWritesBOM(t *testing.T) {
	data := Dataset{
		Headers: []string{"Student", "Context"},
		Rows:    []map[string]string{{"Student": "=HYPERLINK(\"x\")", "Context": "-gate"}},
	}
	out, err := (&CSVExporter{BOM: true}).Render(data, "")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, utf8BOM))
	assert.Contains(t, string(out), "'-gate")
	assert.Contains(t, string(out), `"'=HYPERLINK(""x"")"`)
}

func TestDatasetValidateGroupColumn(t *testing.T) {
	data := sampleDataset()
	require.NoError(t, data.Validate())
	data.GroupBy = "Term"
	require.Error(t, data.Validate())
	_, err := NewPDFExporter().Render(data, "")
	require.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	out, err := NewPDFExporter().Render(sampleDataset(), "Attendance")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestPDFExporterPaginatesLongTables(t *testing.T) {
	data := Dataset{Headers: []string{"Date", "Student", "Status"}}
	for i := 0; i < 120; i++ {
		data.Rows = append(data.Rows, map[string]string{"Date": "2024-09-02", "Student": "S001", "Status": "present"})
	}
	short, err := NewPDFExporter().Render(Dataset{Headers: data.Headers}, "")
	require.NoError(t, err)
	long, err := NewPDFExporter().Render(data, "Attendance")
	require.NoError(t, err)
	assert.Regexp(t, `/Count [2-9]\b`, string(long))
	assert.Regexp(t, `/Count 1\b`, string(short))
}
