// Package auditpdf renders the Audit Shield report: the PDF handed to payers
// to document how a pathology billing code was reached and who verified it.
package auditpdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog"

	"github.com/pathoai/patho/internal/domain/pathology"
)

const ContentType = "application/pdf"

type rgb struct{ r, g, b int }

var (
	emerald  = rgb{16, 185, 129}
	slate300 = rgb{203, 213, 225}
	slate700 = rgb{51, 65, 85}
	slate800 = rgb{30, 41, 59}
	ink      = rgb{15, 23, 42}
)

const shieldText = "This documentation has been generated in compliance with 2026 CMS guidelines for " +
	"AI-assisted pathology procedures (CPT codes 0596T-0763T).\n\n" +
	"All billing recommendations are supported by:\n" +
	"1. Clinical evidence from whole slide imaging analysis\n" +
	"2. Pathologist verification and human-in-the-loop confirmation\n" +
	"3. Documentation meeting CMS audit requirements\n" +
	"4. Alignment with NCCN pathology best practices\n\n" +
	"This report serves as audit-ready documentation for insurance adjusters and CMS compliance officers."

// Renderer implements pathology.ReportRenderer with go-pdf.
type Renderer struct {
	logger   zerolog.Logger
	compress bool
}

func NewRenderer(logger zerolog.Logger) *Renderer {
	return &Renderer{logger: logger, compress: true}
}

// SetCompression toggles stream compression. Uncompressed output keeps the
// report text searchable in the raw bytes.
func (r *Renderer) SetCompression(on bool) { r.compress = on }

// Filename returns the download name for a report generated at req.GeneratedAt.
func Filename(req pathology.ReportRequest) string {
	return fmt.Sprintf("audit_shield_%s_%s.pdf", req.SlideID, req.GeneratedAt.UTC().Format("20060102_150405"))
}

func (r *Renderer) Render(ctx context.Context, req pathology.ReportRequest) (*pathology.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SlideID == "" {
		return nil, fmt.Errorf("render audit report: slide id is required")
	}

	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetCompression(r.compress)
	pdf.SetTitle("Audit Shield "+req.SlideID, false)
	pdf.SetCreator("PathoAI Revenue Recovery Engine", false)
	pdf.SetMargins(19, 19, 19)
	pdf.SetAutoPageBreak(true, 19)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	w := &writer{pdf: pdf, tr: tr}
	w.header()

	model := "N/A"
	if req.Billing != nil && req.Billing.ModelUsed != "" {
		model = req.Billing.ModelUsed
	}
	w.table([][2]string{
		{"Slide ID:", req.SlideID},
		{"Report Generated:", req.GeneratedAt.UTC().Format("2006-01-02 15:04:05") + " UTC"},
		{"Pathologist:", req.PathologistName},
		{"Model Used:", model},
	}, ink)
	pdf.Ln(8)

	// Billing is nil for a case with no recorded analysis; the section is
	// left out and the model reads N/A.
	if b := req.Billing; b != nil {
		w.subheader("AI-Generated Billing Analysis")
		rows := [][2]string{
			{"Base CPT:", orNA(b.BaseCPT)},
			{"Recommended CPT:", orNA(b.RecommendedCPT)},
			{"AI-Assisted Code:", orNA(b.AIAssistedCode)},
			{"Ancillary Codes:", orNA(strings.Join(b.AncillaryCodes, ", "))},
			{"Revenue Delta:", fmt.Sprintf("$%.2f", b.RevenueDelta)},
			{"Confidence Score:", fmt.Sprintf("%.1f%%", b.ConfidenceScore*100)},
			{"Audit Defense Score:", fmt.Sprintf("%d/100", b.AuditDefenseScore)},
		}
		w.table(rows, emerald)
		pdf.Ln(6)

		if b.AuditNarrative != "" {
			w.subheader("Clinical Justification")
			w.paragraph(b.AuditNarrative)
		}
		if len(b.ComplexityIndicators) > 0 {
			w.subheader("Complexity Indicators")
			var sb strings.Builder
			for _, ind := range b.ComplexityIndicators {
				sb.WriteString("- " + ind + "\n")
			}
			w.paragraph(strings.TrimRight(sb.String(), "\n"))
		}
	}

	w.subheader("Pathologist Verification")
	w.paragraph(fmt.Sprintf("This report has been reviewed and verified by %s on %s.\n\n"+
		"Human-in-the-loop verification confirmed:\n"+
		"- Complexity indicators reviewed\n"+
		"- CPT code recommendations validated\n"+
		"- Clinical justification approved\n"+
		"- Ready for billing submission",
		req.PathologistName, req.GeneratedAt.UTC().Format("2006-01-02")))
	pdf.Ln(4)

	w.subheader("Audit Shield Documentation")
	w.paragraph(shieldText)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render audit report: %w", err)
	}
	name := Filename(req)
	r.logger.Debug().Str("slide_id", req.SlideID).Str("file", name).Int("bytes", buf.Len()).Msg("audit report rendered")
	return &pathology.Artifact{Filename: name, ContentType: ContentType, Data: buf.Bytes()}, nil
}

type writer struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (w *writer) color(c rgb) { w.pdf.SetTextColor(c.r, c.g, c.b) }

func (w *writer) header() {
	w.pdf.SetFont("Helvetica", "B", 22)
	w.color(emerald)
	w.pdf.CellFormat(0, 10, "PathoAI Revenue Recovery Engine", "", 1, "L", false, 0, "")
	w.subheader("2026 CMS Compliance Audit Report")
	w.pdf.Ln(4)
}

func (w *writer) subheader(text string) {
	w.pdf.SetFont("Helvetica", "B", 13)
	w.color(slate700)
	w.pdf.CellFormat(0, 8, text, "", 1, "L", false, 0, "")
	w.pdf.Ln(1)
}

func (w *writer) paragraph(text string) {
	w.pdf.SetFont("Helvetica", "", 10)
	w.color(ink)
	w.pdf.MultiCell(0, 5, w.tr(text), "", "L", false)
	w.pdf.Ln(4)
}

// table draws two-column label/value rows; labels sit on a dark fill.
func (w *writer) table(rows [][2]string, value rgb) {
	w.pdf.SetFont("Courier", "", 10)
	w.pdf.SetDrawColor(slate700.r, slate700.g, slate700.b)
	w.pdf.SetFillColor(slate800.r, slate800.g, slate800.b)
	for _, row := range rows {
		w.color(slate300)
		w.pdf.CellFormat(50, 8, row[0], "1", 0, "L", true, 0, "")
		w.color(value)
		w.pdf.CellFormat(0, 8, w.tr(row[1]), "1", 1, "L", false, 0, "")
	}
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
