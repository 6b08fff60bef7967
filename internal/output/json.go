package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/bivouac/internal/ledger"
)

// JSONFormatter formats records as JSON.
type JSONFormatter struct{}

// FormatCampaigns formats a list of campaigns as a JSON array.
func (f *JSONFormatter) FormatCampaigns(campaigns []*ledger.Campaign) (string, error) {
	return marshalJSON(campaignViews(campaigns))
}

// FormatRuns formats a list of runs as a JSON array.
func (f *JSONFormatter) FormatRuns(runs []*ledger.Run) (string, error) {
	return marshalJSON(runViews(runs))
}

// FormatRunDetail formats a single run's details as a JSON object.
func (f *JSONFormatter) FormatRunDetail(detail *RunDetail) (string, error) {
	return marshalJSON(runDetailViewOf(detail))
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
