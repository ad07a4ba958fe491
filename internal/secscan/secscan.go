// Package secscan is the security loop: image vulnerabilities, certificate
// expiry, brute-force detection, and exposed-port inventory.
package secscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvachov/helmsman/internal/dockerops"
	"github.com/rvachov/helmsman/internal/incident"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Finding is one security observation.
type Finding struct {
	Kind     string   `json:"kind"` // vulnerability, stale_image, cert_expiry, brute_force, exposed_port
	Target   string   `json:"target"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the result of one scan pass.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Findings  []Finding `json:"findings"`
}

// Vulnerability is one scanner result.
type Vulnerability struct {
	ID       string `json:"id"`
	Package  string `json:"package"`
	Severity string `json:"severity"` // critical, high, medium, low
}

// VulnScanner is the external scanner collaborator. Optional; when absent
// or failing, image age is the fallback heuristic.
type VulnScanner interface {
	ScanImage(ctx context.Context, image string) ([]Vulnerability, error)
}

// Certificate is one tracked TLS certificate.
type Certificate struct {
	Name   string    `json:"name"`
	Expiry time.Time `json:"expiry"`
}

// CertSource lists tracked certificates. Optional.
type CertSource interface {
	Certificates(ctx context.Context) ([]Certificate, error)
}

// AuthSource reports authentication failures per source address over a
// window. Optional.
type AuthSource interface {
	FailuresBySource(ctx context.Context, window time.Duration) (map[string]int, error)
}

// ContainerSource provides container and image state.
type ContainerSource interface {
	ListContainers(ctx context.Context) ([]dockerops.ContainerState, error)
	ListImages(ctx context.Context) ([]dockerops.ImageInfo, error)
}

// IncidentSink receives derived incidents.
type IncidentSink interface {
	InsertIncident(ctx context.Context, inc *incident.Incident) error
}

const (
	staleImageAge      = 180 * 24 * time.Hour
	certWarnWindow     = 30 * 24 * time.Hour
	bruteForceSuspect  = 3
	bruteForceCritical = 10
	bruteForceWindow   = time.Hour
)

// Config tunes the scanner loop.
type Config struct {
	Interval     time.Duration // default 1h
	SummaryEvery time.Duration // default 24h
	HistorySize  int           // default 50
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Hour, SummaryEvery: 24 * time.Hour, HistorySize: 50}
}

// Scanner runs the security loop.
type Scanner struct {
	cfg        Config
	containers ContainerSource
	vulns      VulnScanner
	certs      CertSource
	auth       AuthSource
	sink       IncidentSink

	mu      sync.Mutex
	history []Report
	running bool
}

// New creates a scanner. vulns, certs, auth, and sink may be nil.
func New(cfg Config, containers ContainerSource, vulns VulnScanner, certs CertSource, auth AuthSource, sink IncidentSink) *Scanner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = def.SummaryEvery
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Scanner{
		cfg:        cfg,
		containers: containers,
		vulns:      vulns,
		certs:      certs,
		auth:       auth,
		sink:       sink,
	}
}

// Run drives the scan loop until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	summary := time.NewTicker(s.cfg.SummaryEvery)
	defer ticker.Stop()
	defer summary.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Msg("Security scanner started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Security scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-summary.C:
			s.logSummary()
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("Previous security scan still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	report := s.ScanOnce(ctx)
	s.mu.Lock()
	s.history = append(s.history, report)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()
}

// ScanOnce performs one security pass.
func (s *Scanner) ScanOnce(ctx context.Context) Report {
	report := Report{Timestamp: time.Now().UTC()}

	report.Findings = append(report.Findings, s.scanImages(ctx)...)
	report.Findings = append(report.Findings, s.scanCertificates(ctx)...)
	report.Findings = append(report.Findings, s.scanAuthFailures(ctx)...)
	report.Findings = append(report.Findings, s.scanExposedPorts(ctx)...)

	for _, f := range report.Findings {
		if f.Severity == SeverityCritical {
			s.raise(ctx, f)
		}
	}

	log.Info().Int("findings", len(report.Findings)).Msg("Security scan complete")
	return report
}

func (s *Scanner) scanImages(ctx context.Context) []Finding {
	images, err := s.containers.ListImages(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Security scan failed to list images")
		return nil
	}

	var out []Finding
	for _, img := range images {
		if !img.InUse {
			continue
		}
		name := img.ID
		if len(img.Tags) > 0 {
			name = img.Tags[0]
		}

		if s.vulns != nil {
			vulns, err := s.vulns.ScanImage(ctx, name)
			if err == nil {
				out = append(out, summarizeVulns(name, vulns)...)
				continue
			}
			log.Debug().Err(err).Str("image", name).Msg("Vulnerability scanner unavailable, falling back to image age")
		}

		if age := time.Since(img.Created); age > staleImageAge {
			out = append(out, Finding{
				Kind:     "stale_image",
				Target:   name,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("image is %d days old and cannot be scanned; rebuild or pull a newer base", int(age.Hours()/24)),
			})
		}
	}
	return out
}

func summarizeVulns(image string, vulns []Vulnerability) []Finding {
	critical, high := 0, 0
	for _, v := range vulns {
		switch v.Severity {
		case "critical":
			critical++
		case "high":
			high++
		}
	}
	if critical == 0 && high == 0 {
		return nil
	}
	sev := SeverityWarn
	if critical > 0 {
		sev = SeverityCritical
	}
	return []Finding{{
		Kind:     "vulnerability",
		Target:   image,
		Severity: sev,
		Detail:   fmt.Sprintf("%d critical and %d high severity vulnerabilities", critical, high),
	}}
}

func (s *Scanner) scanCertificates(ctx context.Context) []Finding {
	if s.certs == nil {
		return nil
	}
	certs, err := s.certs.Certificates(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Certificate source failed")
		return nil
	}

	now := time.Now()
	var out []Finding
	for _, cert := range certs {
		switch {
		case cert.Expiry.Before(now):
			out = append(out, Finding{
				Kind:     "cert_expiry",
				Target:   cert.Name,
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("certificate expired %s", cert.Expiry.Format(time.RFC3339)),
			})
		case cert.Expiry.Sub(now) < certWarnWindow:
			out = append(out, Finding{
				Kind:     "cert_expiry",
				Target:   cert.Name,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("certificate expires in %d days", int(cert.Expiry.Sub(now).Hours()/24)),
			})
		}
	}
	return out
}

func (s *Scanner) scanAuthFailures(ctx context.Context) []Finding {
	if s.auth == nil {
		return nil
	}
	failures, err := s.auth.FailuresBySource(ctx, bruteForceWindow)
	if err != nil {
		log.Error().Err(err).Msg("Auth failure source failed")
		return nil
	}

	var out []Finding
	for source, count := range failures {
		switch {
		case count > bruteForceCritical:
			out = append(out, Finding{
				Kind:     "brute_force",
				Target:   source,
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("%d authentication failures in the last hour", count),
			})
		case count > bruteForceSuspect:
			out = append(out, Finding{
				Kind:     "brute_force",
				Target:   source,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("%d authentication failures in the last hour", count),
			})
		}
	}
	return out
}

func (s *Scanner) scanExposedPorts(ctx context.Context) []Finding {
	states, err := s.containers.ListContainers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Security scan failed to list containers")
		return nil
	}

	var out []Finding
	for _, c := range states {
		for _, port := range c.ExposedPorts {
			out = append(out, Finding{
				Kind:     "exposed_port",
				Target:   c.Name,
				Severity: SeverityInfo,
				Detail:   fmt.Sprintf("port %s bound to all interfaces", port),
			})
		}
	}
	return out
}

func (s *Scanner) raise(ctx context.Context, f Finding) {
	if s.sink == nil {
		return
	}
	incType := incident.TypeSecurityAlert
	if f.Kind == "cert_expiry" {
		incType = incident.TypeSSLExpiring
	}
	err := s.sink.InsertIncident(ctx, &incident.Incident{
		Type:          incType,
		Severity:      incident.SeverityCritical,
		ServiceName:   f.Target,
		Title:         fmt.Sprintf("Security: %s on %s", f.Kind, f.Target),
		Description:   f.Detail,
		TriggerSource: "security_scanner",
		TriggerDetails: map[string]interface{}{
			"kind":   f.Kind,
			"detail": f.Detail,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("target", f.Target).Msg("Failed to persist security incident")
	}
}

func (s *Scanner) logSummary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return
	}
	last := s.history[len(s.history)-1]
	counts := map[Severity]int{}
	for _, f := range last.Findings {
		counts[f.Severity]++
	}
	log.Info().
		Int("scans", len(s.history)).
		Int("critical", counts[SeverityCritical]).
		Int("warn", counts[SeverityWarn]).
		Int("info", counts[SeverityInfo]).
		Msg("Security daily summary")
}

// History returns a copy of recent reports, oldest first.
func (s *Scanner) History() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.history))
	copy(out, s.history)
	return out
}
