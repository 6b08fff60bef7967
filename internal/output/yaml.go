package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/bivouac/internal/ledger"
)

// YAMLFormatter formats records as YAML.
type YAMLFormatter struct{}

// FormatCampaigns formats a list of campaigns as YAML.
func (f *YAMLFormatter) FormatCampaigns(campaigns []*ledger.Campaign) (string, error) {
	if len(campaigns) == 0 {
		return "", nil
	}
	data, err := yaml.Marshal(campaignViews(campaigns))
	if err != nil {
		return "", fmt.Errorf("failed to marshal campaigns to YAML: %w", err)
	}
	return string(data), nil
}

// FormatRuns formats a list of runs as YAML.
func (f *YAMLFormatter) FormatRuns(runs []*ledger.Run) (string, error) {
	if len(runs) == 0 {
		return "", nil
	}
	data, err := yaml.Marshal(runViews(runs))
	if err != nil {
		return "", fmt.Errorf("failed to marshal runs to YAML: %w", err)
	}
	return string(data), nil
}

// FormatRunDetail formats a single run's details as YAML.
func (f *YAMLFormatter) FormatRunDetail(detail *RunDetail) (string, error) {
	data, err := yaml.Marshal(runDetailViewOf(detail))
	if err != nil {
		return "", fmt.Errorf("failed to marshal run detail to YAML: %w", err)
	}
	return string(data), nil
}
