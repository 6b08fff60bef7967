// Package output provides formatters for displaying campaigns and runs
// in various formats (table, YAML, JSON).
package output

import (
	"fmt"
	"time"

	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/ledger"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// RunDetail is a single run joined with its campaign, its instance
// record, and, when the domain still exists at the hypervisor, the
// metadata stored on it.
type RunDetail struct {
	Run      *ledger.Run
	Campaign *ledger.Campaign
	// Instance is nil when provisioning failed before an instance was
	// recorded.
	Instance *ledger.Instance
	// Domain is nil when the domain is gone or the hypervisor was not
	// consulted.
	Domain       *domain.InstanceMetadata
	DomainActive bool
}

// Formatter formats ledger records for output.
type Formatter interface {
	// FormatCampaigns formats a list of campaigns.
	FormatCampaigns(campaigns []*ledger.Campaign) (string, error)

	// FormatRuns formats a list of runs.
	FormatRuns(runs []*ledger.Run) (string, error)

	// FormatRunDetail formats a single run's details.
	FormatRunDetail(detail *RunDetail) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// campaignView is the serialized shape of a campaign for yaml/json.
type campaignView struct {
	ID              int64     `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	Source          string    `json:"source" yaml:"source"`
	DurationMinutes int       `json:"duration_minutes" yaml:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// runView is the serialized shape of a run for yaml/json.
type runView struct {
	ID              int64      `json:"id" yaml:"id"`
	UUID            string     `json:"uuid" yaml:"uuid"`
	CampaignID      int64      `json:"campaign_id" yaml:"campaign_id"`
	State           string     `json:"state" yaml:"state"`
	StartedAt       time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	Visible         bool       `json:"visible" yaml:"visible"`
	FailReason      string     `json:"fail_reason,omitempty" yaml:"fail_reason,omitempty"`
	CleanupAttempts int        `json:"cleanup_attempts" yaml:"cleanup_attempts"`
}

// instanceView is the serialized shape of an instance row.
type instanceView struct {
	SSHPort int  `json:"ssh_port" yaml:"ssh_port"`
	Running bool `json:"running" yaml:"running"`
}

// domainView is the serialized shape of the live domain metadata.
type domainView struct {
	Active       bool   `json:"active" yaml:"active"`
	CampaignName string `json:"campaign_name" yaml:"campaign_name"`
	SSHPort      int    `json:"ssh_port" yaml:"ssh_port"`
	WorkDir      string `json:"work_dir" yaml:"work_dir"`
}

// runDetailView is the serialized shape of a run detail for yaml/json.
type runDetailView struct {
	Run      runView       `json:"run" yaml:"run"`
	Campaign campaignView  `json:"campaign" yaml:"campaign"`
	Instance *instanceView `json:"instance,omitempty" yaml:"instance,omitempty"`
	Domain   *domainView   `json:"domain,omitempty" yaml:"domain,omitempty"`
}

func runDetailViewOf(detail *RunDetail) runDetailView {
	view := runDetailView{
		Run:      runViews([]*ledger.Run{detail.Run})[0],
		Campaign: campaignViews([]*ledger.Campaign{detail.Campaign})[0],
	}
	if detail.Instance != nil {
		view.Instance = &instanceView{
			SSHPort: detail.Instance.SSHPort,
			Running: detail.Instance.Running,
		}
	}
	if detail.Domain != nil {
		view.Domain = &domainView{
			Active:       detail.DomainActive,
			CampaignName: detail.Domain.CampaignName,
			SSHPort:      detail.Domain.SSHPort,
			WorkDir:      detail.Domain.WorkDir,
		}
	}
	return view
}

func campaignViews(campaigns []*ledger.Campaign) []campaignView {
	views := make([]campaignView, 0, len(campaigns))
	for _, c := range campaigns {
		views = append(views, campaignView{
			ID:              c.ID,
			Name:            c.Name,
			Source:          c.Source,
			DurationMinutes: c.DurationMinutes,
			CreatedAt:       c.CreatedAt,
		})
	}
	return views
}

func runViews(runs []*ledger.Run) []runView {
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView{
			ID:              r.ID,
			UUID:            r.UUID,
			CampaignID:      r.CampaignID,
			State:           r.State,
			StartedAt:       r.StartedAt,
			EndedAt:         r.EndedAt,
			Visible:         r.Visible,
			FailReason:      r.FailReason,
			CleanupAttempts: r.CleanupAttempts,
		})
	}
	return views
}
