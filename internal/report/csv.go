package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// CSVGenerator renders the daily operations summary as CSV.
type CSVGenerator struct{}

// NewCSVGenerator creates a CSV generator.
func NewCSVGenerator() *CSVGenerator {
	return &CSVGenerator{}
}

// Generate creates a CSV report from the provided data.
func (g *CSVGenerator) Generate(data *Data) ([]byte, error) {
	data.Summarize()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	headers := [][]string{
		{"# Helmsman Operations Report"},
		{"# Period:", fmt.Sprintf("%s to %s", data.Start.Format(time.RFC3339), data.End.Format(time.RFC3339))},
		{"# Generated:", data.GeneratedAt.Format(time.RFC3339)},
		{"# Incidents:", fmt.Sprintf("%d", len(data.Incidents))},
		{"# Auto-remediated:", fmt.Sprintf("%d", data.AutoRemediated)},
		{"# Escalated:", fmt.Sprintf("%d", data.Escalated)},
		{"# Execution success rate:", fmt.Sprintf("%.0f%%", data.SuccessRate*100)},
		{""},
	}
	for _, row := range headers {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write CSV header section: %w", err)
		}
	}

	if err := w.Write([]string{"incident_id", "type", "severity", "status", "service", "detected_at", "auto_remediated"}); err != nil {
		return nil, fmt.Errorf("write CSV incident header: %w", err)
	}
	for _, inc := range data.Incidents {
		row := []string{
			inc.ID,
			string(inc.Type),
			string(inc.Severity),
			string(inc.Status),
			inc.ServiceName,
			inc.DetectedAt.Format(time.RFC3339),
			fmt.Sprintf("%t", inc.AutoRemediated),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write CSV incident row: %w", err)
		}
	}

	if len(data.Recommendations) > 0 {
		if err := w.Write([]string{""}); err != nil {
			return nil, err
		}
		if err := w.Write([]string{"track", "priority", "target", "detail", "requires_approval"}); err != nil {
			return nil, fmt.Errorf("write CSV recommendation header: %w", err)
		}
		for _, rec := range data.Recommendations {
			row := []string{
				string(rec.Track),
				fmt.Sprintf("%d", rec.Priority),
				rec.Target,
				rec.Detail,
				fmt.Sprintf("%t", rec.RequiresApproval),
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write CSV recommendation row: %w", err)
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}
