package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/bivouac/internal/ledger"
)

// TableFormatter formats records as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatCampaigns formats a list of campaigns as a table.
func (f *TableFormatter) FormatCampaigns(campaigns []*ledger.Campaign) (string, error) {
	if len(campaigns) == 0 {
		return "No campaigns found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSOURCE\tDURATION\tAGE")
	}

	for _, c := range campaigns {
		duration := time.Duration(c.DurationMinutes) * time.Minute
		age := "-"
		if !c.CreatedAt.IsZero() {
			age = formatAge(time.Since(c.CreatedAt))
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			c.ID, c.Name, c.Source, duration, age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatRuns formats a list of runs as a table.
func (f *TableFormatter) FormatRuns(runs []*ledger.Run) (string, error) {
	if len(runs) == 0 {
		return "No runs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tUUID\tCAMPAIGN\tSTATE\tSTARTED\tENDED\tREASON")
	}

	for _, r := range runs {
		started := formatAge(time.Since(r.StartedAt)) + " ago"
		ended := "-"
		if r.EndedAt != nil {
			ended = formatAge(time.Since(*r.EndedAt)) + " ago"
		}
		reason := r.FailReason
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.UUID, r.CampaignID, r.State, started, ended, reason)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatRunDetail formats a single run's details as a key/value table.
func (f *TableFormatter) FormatRunDetail(detail *RunDetail) (string, error) {
	r := detail.Run

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "ID\t%d\n", r.ID)
	_, _ = fmt.Fprintf(w, "UUID\t%s\n", r.UUID)
	_, _ = fmt.Fprintf(w, "CAMPAIGN\t%s (%d)\n", detail.Campaign.Name, detail.Campaign.ID)
	_, _ = fmt.Fprintf(w, "STATE\t%s\n", r.State)
	_, _ = fmt.Fprintf(w, "STARTED\t%s ago\n", formatAge(time.Since(r.StartedAt)))

	ended := "-"
	if r.EndedAt != nil {
		ended = formatAge(time.Since(*r.EndedAt)) + " ago"
	}
	_, _ = fmt.Fprintf(w, "ENDED\t%s\n", ended)
	_, _ = fmt.Fprintf(w, "VISIBLE\t%t\n", r.Visible)
	_, _ = fmt.Fprintf(w, "CLEANUP POLLS\t%d\n", r.CleanupAttempts)

	reason := r.FailReason
	if reason == "" {
		reason = "-"
	}
	_, _ = fmt.Fprintf(w, "REASON\t%s\n", reason)

	if detail.Instance != nil {
		_, _ = fmt.Fprintf(w, "SSH PORT\t%d\n", detail.Instance.SSHPort)
		running := "stopped"
		if detail.Instance.Running {
			running = "running"
		}
		_, _ = fmt.Fprintf(w, "INSTANCE\t%s\n", running)
	} else {
		_, _ = fmt.Fprintln(w, "INSTANCE\t-")
	}

	if detail.Domain != nil {
		state := "shut off"
		if detail.DomainActive {
			state = "active"
		}
		_, _ = fmt.Fprintf(w, "DOMAIN\t%s\n", state)
		_, _ = fmt.Fprintf(w, "WORK DIR\t%s\n", detail.Domain.WorkDir)
	} else {
		_, _ = fmt.Fprintln(w, "DOMAIN\tnot defined")
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
