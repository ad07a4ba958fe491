package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// Color scheme - professional dark blue theme
var (
	colorPrimary     = [3]int{30, 58, 95}    // Dark navy
	colorAccent      = [3]int{46, 204, 113}  // Green
	colorWarning     = [3]int{241, 196, 15}  // Yellow
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorTableHeader = [3]int{30, 58, 95}    // Navy header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
)

// PDFGenerator renders the daily operations summary as a PDF.
type PDFGenerator struct{}

// NewPDFGenerator creates a PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate creates a PDF report from the provided data.
func (g *PDFGenerator) Generate(data *Data) ([]byte, error) {
	data.Summarize()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	g.writeCoverPage(pdf, data)

	pdf.AddPage()
	g.writeSummarySection(pdf, data)

	if len(data.Incidents) > 0 {
		g.writeIncidentsSection(pdf, data)
	}
	if len(data.Recommendations) > 0 {
		g.writeRecommendationsSection(pdf, data)
	}
	if len(data.SecurityFindings) > 0 {
		g.writeSecuritySection(pdf, data)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeCoverPage(pdf *fpdf.Fpdf, data *Data) {
	pdf.AddPage()
	pageWidth, pageHeight := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(50)
	pdf.SetFont("Arial", "B", 32)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 15, "HELMSMAN", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, "Autonomous Operations", "", 1, "C", false, 0, "")

	pdf.SetY(100)
	pdf.SetFont("Arial", "B", 28)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	title := data.Title
	if title == "" {
		title = "Daily Operations Report"
	}
	pdf.CellFormat(0, 12, title, "", 1, "C", false, 0, "")

	pdf.SetY(160)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, "REPORTING PERIOD", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	periodStr := fmt.Sprintf("%s  -  %s",
		data.Start.Format("January 2, 2006 15:04"),
		data.End.Format("January 2, 2006 15:04"))
	pdf.CellFormat(0, 8, periodStr, "", 1, "C", false, 0, "")

	pdf.SetY(pageHeight - 50)
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", data.GeneratedAt.Format("January 2, 2006 at 15:04 MST")), "", 1, "C", false, 0, "")

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, pageHeight-8, pageWidth, 8, "F")
}

func (g *PDFGenerator) writeSummarySection(pdf *fpdf.Fpdf, data *Data) {
	pageWidth, _ := pdf.GetPageSize()

	// Health card: red when anything escalated, yellow when incidents
	// occurred, green otherwise.
	status, message, color := "HEALTHY", "No incidents in this period", colorAccent
	switch {
	case data.Escalated > 0:
		status, color = "ATTENTION", colorDanger
		message = fmt.Sprintf("%d incident(s) escalated to the operator", data.Escalated)
	case len(data.Incidents) > 0:
		status, color = "STABLE", colorWarning
		message = fmt.Sprintf("%d incident(s), %d auto-remediated", len(data.Incidents), data.AutoRemediated)
	}

	cardX := 20.0
	cardWidth := pageWidth - 40
	pdf.SetFillColor(color[0], color[1], color[2])
	pdf.RoundedRect(cardX, pdf.GetY(), cardWidth, 35, 3, "1234", "F")

	pdf.SetXY(cardX, pdf.GetY()+8)
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(cardWidth, 12, status, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(cardWidth, 8, message, "", 1, "C", false, 0, "")

	pdf.SetY(pdf.GetY() + 15)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Quick Stats", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	g.statRow(pdf, "Incidents", fmt.Sprintf("%d", len(data.Incidents)))
	g.statRow(pdf, "Auto-remediated", fmt.Sprintf("%d", data.AutoRemediated))
	g.statRow(pdf, "Escalated", fmt.Sprintf("%d", data.Escalated))
	g.statRow(pdf, "Executions", fmt.Sprintf("%d", len(data.Executions)))
	g.statRow(pdf, "Execution success rate", fmt.Sprintf("%.0f%%", data.SuccessRate*100))
	g.statRow(pdf, "Open recommendations", fmt.Sprintf("%d", len(data.Recommendations)))
	g.statRow(pdf, "Security findings", fmt.Sprintf("%d", len(data.SecurityFindings)))
}

func (g *PDFGenerator) statRow(pdf *fpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(70, 7, label, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
}

func (g *PDFGenerator) sectionHeading(pdf *fpdf.Fpdf, text string) {
	if pdf.GetY() > 230 {
		pdf.AddPage()
	}
	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, text, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func (g *PDFGenerator) tableHeader(pdf *fpdf.Fpdf, widths []float64, labels []string) {
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	for i, label := range labels {
		pdf.CellFormat(widths[i], 8, label, "", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func (g *PDFGenerator) tableRow(pdf *fpdf.Fpdf, widths []float64, cells []string, alt bool) {
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	if alt {
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
	} else {
		pdf.SetFillColor(255, 255, 255)
	}
	for i, cell := range cells {
		pdf.CellFormat(widths[i], 7, truncate(cell, int(widths[i]/2)), "", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func (g *PDFGenerator) writeIncidentsSection(pdf *fpdf.Fpdf, data *Data) {
	g.sectionHeading(pdf, "Incidents")
	widths := []float64{40, 30, 20, 30, 50}
	g.tableHeader(pdf, widths, []string{"ID", "Type", "Severity", "Status", "Service"})
	for i, inc := range data.Incidents {
		g.tableRow(pdf, widths, []string{
			inc.ID,
			string(inc.Type),
			string(inc.Severity),
			string(inc.Status),
			inc.ServiceName,
		}, i%2 == 1)
	}
}

func (g *PDFGenerator) writeRecommendationsSection(pdf *fpdf.Fpdf, data *Data) {
	g.sectionHeading(pdf, "Optimization Recommendations")
	widths := []float64{35, 15, 40, 80}
	g.tableHeader(pdf, widths, []string{"Track", "Prio", "Target", "Detail"})
	for i, rec := range data.Recommendations {
		g.tableRow(pdf, widths, []string{
			string(rec.Track),
			fmt.Sprintf("%d", rec.Priority),
			rec.Target,
			rec.Detail,
		}, i%2 == 1)
	}
}

func (g *PDFGenerator) writeSecuritySection(pdf *fpdf.Fpdf, data *Data) {
	g.sectionHeading(pdf, "Security Findings")
	widths := []float64{30, 20, 45, 75}
	g.tableHeader(pdf, widths, []string{"Kind", "Severity", "Target", "Detail"})
	for i, f := range data.SecurityFindings {
		g.tableRow(pdf, widths, []string{
			f.Kind,
			string(f.Severity),
			f.Target,
			f.Detail,
		}, i%2 == 1)
	}
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// DefaultPeriod returns the 24h window ending now, for the daily report.
func DefaultPeriod(now time.Time) (time.Time, time.Time) {
	return now.Add(-24 * time.Hour), now
}
