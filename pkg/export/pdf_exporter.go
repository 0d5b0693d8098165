package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// Field kinds understood by the document renderer.
const (
	KindText  = "text"
	KindLink  = "link"
	KindHash  = "hash"
	KindDate  = "date"
	KindImage = "image"
	KindPDF   = "pdf"
	KindQR    = "qr"
)

// DocumentField is one labelled line of a rendered document.
type DocumentField struct {
	Label string
	Value string
	Kind  string
}

// Document is a single-page certificate style layout.
type Document struct {
	Title    string
	Subtitle string
	Fields   []DocumentField
	Footer   string
}

// PDFExporter renders datasets and certificate documents into PDF.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render creates a landscape PDF with an optional title and table body.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, title, "", 1, "C", false, 0, "")
		pdf.Ln(4)
	}

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	colWidth := (pageWidth - left - right) / float64(len(data.Headers))

	pdf.SetFont("Arial", "B", 9)
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, row := range data.Rows {
		for _, header := range data.Headers {
			pdf.CellFormat(colWidth, 7, truncate(row[header], int(colWidth/1.6)), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return output(pdf)
}

// RenderDocument lays out a certificate: centred title block followed by label/value rows.
// Link, pdf, image and qr values become clickable links; hashes use a monospace font.
func (e *PDFExporter) RenderDocument(doc Document) ([]byte, error) {
	if doc.Title == "" {
		return nil, fmt.Errorf("document title required")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetDrawColor(46, 125, 50)
	pdf.SetLineWidth(1.2)
	pdf.Rect(10, 10, 190, 277, "D")

	pdf.SetFont("Arial", "B", 20)
	pdf.CellFormat(0, 14, strings.ToUpper(doc.Title), "", 1, "C", false, 0, "")
	if doc.Subtitle != "" {
		pdf.SetFont("Arial", "I", 12)
		pdf.CellFormat(0, 8, doc.Subtitle, "", 1, "C", false, 0, "")
	}
	pdf.Ln(8)

	for _, field := range doc.Fields {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(55, 8, field.Label, "", 0, "", false, 0, "")
		switch field.Kind {
		case KindLink, KindPDF, KindImage, KindQR:
			pdf.SetFont("Arial", "U", 9)
			pdf.SetTextColor(21, 101, 192)
			pdf.CellFormat(0, 8, truncate(field.Value, 80), "", 1, "", false, 0, field.Value)
			pdf.SetTextColor(0, 0, 0)
		case KindHash:
			pdf.SetFont("Courier", "", 8)
			pdf.MultiCell(0, 5, field.Value, "", "", false)
		default:
			pdf.SetFont("Arial", "", 10)
			pdf.MultiCell(0, 8, field.Value, "", "", false)
		}
	}

	if doc.Footer != "" {
		pdf.SetY(-35)
		pdf.SetFont("Arial", "I", 8)
		pdf.MultiCell(0, 4, doc.Footer, "", "C", false)
	}

	return output(pdf)
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(value string, max int) string {
	if max <= 3 || len(value) <= max {
		return value
	}
	return value[:max-3] + "..."
}
