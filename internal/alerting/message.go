// Package alerting notifies people about HIGH and CRITICAL access anomalies.
package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
)

// Config selects who is told about what.
type Config struct {
	Admins          []string
	SecurityOfficer string
	Monitor         string
	From            string
	DashboardURL    string
	Window          time.Duration // per-event anti-spam window
}

// DefaultConfig returns a config with no recipients and a 5 minute window.
func DefaultConfig() Config {
	return Config{
		From:         "accesswatch@localhost",
		DashboardURL: "http://localhost:8080",
		Window:       5 * time.Minute,
	}
}

// Message is a rendered notification.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Recipients returns who should hear about an anomaly of the given severity.
// CRITICAL goes to the admins and the security officer, HIGH to the admins,
// anything else to the monitor mailbox (or From when no monitor is set).
// Blank and repeated addresses are dropped; order is preserved.
func Recipients(sev engine.Severity, cfg Config) []string {
	var list []string
	switch sev {
	case engine.SeverityCritical:
		list = append(append(list, cfg.Admins...), cfg.SecurityOfficer)
	case engine.SeverityHigh:
		list = append(list, cfg.Admins...)
	default:
		if cfg.Monitor != "" {
			list = append(list, cfg.Monitor)
		} else {
			list = append(list, cfg.From)
		}
	}

	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}

var recommendations = map[engine.Severity][]string{
	engine.SeverityCritical: {
		"IMMEDIATE ACTION REQUIRED:",
		"1. Verify the identity of the user",
		"2. Review access permissions on the file",
		"3. Contact the user if the access looks suspicious",
		"4. Open an incident ticket",
		"5. Notify the security officer",
	},
	engine.SeverityHigh: {
		"REVIEW TODAY:",
		"1. Check the user's recent access patterns",
		"2. Confirm the user is legitimate",
		"3. Consider opening an incident ticket",
	},
}

var monitoring = []string{
	"MONITOR:",
	"1. Watch for similar patterns",
	"2. Check whether this is normal for the user",
}

// BuildMessage renders the notification for one scored alert.
func BuildMessage(alert engine.ScoredAlert, to []string, cfg Config) Message {
	e, s := alert.Event, alert.Score

	var b strings.Builder
	rule := strings.Repeat("=", 40)
	section := func(title string) {
		fmt.Fprintf(&b, "\n%s\n%s\n%s\n", rule, title, rule)
	}

	b.WriteString("ACCESS ANOMALY DETECTED\n")
	section("EVENT")
	fmt.Fprintf(&b, "User:          %s\n", e.UserEmail)
	fmt.Fprintf(&b, "File:          %s\n", e.FileName)
	fmt.Fprintf(&b, "IP address:    %s\n", e.SourceIP)
	fmt.Fprintf(&b, "Event type:    %s\n", e.EventType)
	fmt.Fprintf(&b, "Timestamp:     %s\n", e.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Anomaly score: %.4f\n", s.AnomalyScore)
	fmt.Fprintf(&b, "Severity:      %s\n", s.Severity)

	section("RECOMMENDATIONS")
	steps, ok := recommendations[s.Severity]
	if !ok {
		steps = monitoring
	}
	b.WriteString(strings.Join(steps, "\n"))
	b.WriteString("\n")

	section("DETAILS")
	fmt.Fprintf(&b, "Event ID: %s\n", e.EventID)
	fmt.Fprintf(&b, "File ID:  %s\n", e.FileID)
	if cfg.DashboardURL != "" {
		fmt.Fprintf(&b, "\nView event: %s/api/events/%s\n", strings.TrimRight(cfg.DashboardURL, "/"), e.EventID)
	}
	b.WriteString("\n--\naccesswatch\n")

	return Message{
		From:    cfg.From,
		To:      to,
		Subject: fmt.Sprintf("ANOMALY %s: %s", s.Severity, e.FileName),
		Body:    b.String(),
	}
}
