package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/bivouac/internal/faults"
)

// CreateCampaign records a new campaign.
func (s *Store) CreateCampaign(name, source string, durationMinutes int) (*Campaign, error) {
	if name == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if source == "" {
		return nil, fmt.Errorf("campaign source is required")
	}
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("campaign duration must be positive, got %d", durationMinutes)
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(
		"INSERT INTO campaigns (name, source, duration_minutes, created_at) VALUES (?, ?, ?, ?)",
		name, source, durationMinutes, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign %s: %w", name, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign ID: %w", err)
	}

	return &Campaign{
		ID:              id,
		Name:            name,
		Source:          source,
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
	}, nil
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(id int64) (*Campaign, error) {
	var c Campaign
	err := s.db.QueryRow(
		"SELECT id, name, source, duration_minutes, created_at FROM campaigns WHERE id = ?",
		id,
	).Scan(&c.ID, &c.Name, &c.Source, &c.DurationMinutes, &c.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.Newf(faults.KindNotFound, "get campaign", "campaign %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %d: %w", id, err)
	}

	return &c, nil
}

// ListCampaigns retrieves all campaigns, oldest first.
func (s *Store) ListCampaigns() ([]*Campaign, error) {
	rows, err := s.db.Query(
		"SELECT id, name, source, duration_minutes, created_at FROM campaigns ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Source, &c.DurationMinutes, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, &c)
	}

	return campaigns, rows.Err()
}

// AddVariable records a new environment variable.
func (s *Store) AddVariable(key, value string) (*Variable, error) {
	if key == "" {
		return nil, fmt.Errorf("variable key is required")
	}

	result, err := s.db.Exec(
		"INSERT INTO environment_variables (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add variable %s: %w", key, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get variable ID: %w", err)
	}

	return &Variable{ID: id, Key: key, Value: value}, nil
}

// AttachVariable associates a variable with a campaign. Attaching the
// same variable twice is not an error.
func (s *Store) AttachVariable(campaignID, variableID int64) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO campaign_environment_variables (campaign_id, variable_id) VALUES (?, ?)",
		campaignID, variableID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach variable %d to campaign %d: %w", variableID, campaignID, err)
	}
	return nil
}

// ListVariables retrieves a campaign's variables in attachment order.
// The order is stable: the secrets document depends on it.
func (s *Store) ListVariables(campaignID int64) ([]*Variable, error) {
	rows, err := s.db.Query(
		`SELECT v.id, v.key, v.value
		 FROM environment_variables v
		 JOIN campaign_environment_variables cv ON cv.variable_id = v.id
		 WHERE cv.campaign_id = ?
		 ORDER BY v.id`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables of campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	var variables []*Variable
	for rows.Next() {
		var v Variable
		if err := rows.Scan(&v.ID, &v.Key, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		variables = append(variables, &v)
	}

	return variables, rows.Err()
}
