// Package report renders daily operations summaries as PDF or CSV.
package report

import (
	"time"

	"github.com/rvachov/helmsman/internal/incident"
	"github.com/rvachov/helmsman/internal/optimizer"
	"github.com/rvachov/helmsman/internal/secscan"
)

// Format represents the output format of a report.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// Data is everything a daily report renders.
type Data struct {
	Title       string
	GeneratedAt time.Time
	Start       time.Time
	End         time.Time

	Incidents        []*incident.Incident
	Executions       []incident.ActionRecord
	Recommendations  []optimizer.Recommendation
	SecurityFindings []secscan.Finding

	// Aggregates
	AutoRemediated int
	Escalated      int
	SuccessRate    float64 // 0..1 over executions in the period
}

// Summarize fills the aggregate fields from the raw slices.
func (d *Data) Summarize() {
	d.AutoRemediated, d.Escalated = 0, 0
	for _, inc := range d.Incidents {
		if inc.AutoRemediated {
			d.AutoRemediated++
		}
		if inc.Status == incident.StatusEscalated {
			d.Escalated++
		}
	}

	succeeded := 0
	for _, rec := range d.Executions {
		if rec.Success {
			succeeded++
		}
	}
	if len(d.Executions) > 0 {
		d.SuccessRate = float64(succeeded) / float64(len(d.Executions))
	} else {
		d.SuccessRate = 0
	}
}

// Generator renders one report format.
type Generator interface {
	Generate(data *Data) ([]byte, error)
}
