package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

const (
	rowHeight    = 7.0
	headerHeight = 8.0
	// More visible columns than this switch the page to landscape.
	portraitColumns = 6
)

// PDFExporter renders a Dataset as a ruled table. When GroupBy is set each group starts with
// a heading, and the column header repeats after every page break.
type PDFExporter struct {
	now func() time.Time
}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{now: time.Now}
}

func (e *PDFExporter) ContentType() string { return "application/pdf" }

func (e *PDFExporter) Extension() string { return "pdf" }

// Render lays out the table under title.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	columns := make([]string, 0, len(data.Headers))
	for _, h := range data.Headers {
		if h != data.GroupBy {
			columns = append(columns, h)
		}
	}
	orientation := "P"
	if len(columns) > portraitColumns {
		orientation = "L"
	}

	pdf := gofpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(false, 15)
	generated := e.now().UTC().Format("2006-01-02 15:04 MST")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Generated %s  |  Page %d", generated, pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	pageW, pageH := pdf.GetPageSize()
	left, _, right, bottom := pdf.GetMargins()
	colWidth := (pageW - left - right) / float64(len(columns))

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, strings.ToUpper(title), "", 1, "C", false, 0, "")
		pdf.Ln(4)
	}

	writeHeader := func() {
		pdf.SetFont("Arial", "B", 10)
		pdf.SetFillColor(230, 230, 230)
		for _, h := range columns {
			pdf.CellFormat(colWidth, headerHeight, h, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
	}
	ensureSpace := func(need float64, repeatHeader bool) {
		if pdf.GetY()+need <= pageH-bottom {
			return
		}
		pdf.AddPage()
		if repeatHeader {
			writeHeader()
		}
	}

	group := ""
	for i, row := range data.Rows {
		if data.GroupBy != "" && (i == 0 || row[data.GroupBy] != group) {
			group = row[data.GroupBy]
			ensureSpace(10+headerHeight+rowHeight, false)
			pdf.Ln(2)
			pdf.SetFont("Arial", "B", 11)
			pdf.CellFormat(0, 8, group, "", 1, "L", false, 0, "")
			writeHeader()
		} else if i == 0 {
			writeHeader()
		}
		ensureSpace(rowHeight, true)
		for _, h := range columns {
			pdf.CellFormat(colWidth, rowHeight, row[h], "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}
	if len(data.Rows) == 0 {
		writeHeader()
		pdf.SetFont("Arial", "I", 9)
		pdf.CellFormat(0, rowHeight, "No attendance recorded for this selection.", "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
