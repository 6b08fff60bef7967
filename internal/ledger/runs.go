package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/bivouac/internal/faults"
)

const runColumns = "id, uuid, campaign_id, state, started_at, ended_at, visible, fail_reason, cleanup_attempts"

// CreateRun records a new run of a campaign in the given initial state.
// The run UUID is generated here and is the identity everything else
// hangs off: the domain name, the volume name, the work directory.
func (s *Store) CreateRun(campaignID int64, state string) (*Run, error) {
	if _, err := s.GetCampaign(campaignID); err != nil {
		return nil, err
	}

	runUUID := uuid.New().String()
	now := time.Now().UTC()

	result, err := s.db.Exec(
		"INSERT INTO runs (uuid, campaign_id, state, started_at) VALUES (?, ?, ?, ?)",
		runUUID, campaignID, state, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run for campaign %d: %w", campaignID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run ID: %w", err)
	}

	return &Run{
		ID:         id,
		UUID:       runUUID,
		CampaignID: campaignID,
		State:      state,
		StartedAt:  now,
	}, nil
}

// GetRun retrieves a single run by ID.
func (s *Store) GetRun(runID int64) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.Newf(faults.KindNotFound, "get run", "run %d not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", runID, err)
	}
	return run, nil
}

// GetRunByUUID retrieves a single run by its UUID.
func (s *Store) GetRunByUUID(runUUID string) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE uuid = ?", runUUID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.Newf(faults.KindNotFound, "get run", "run %s not found", runUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runUUID, err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first. A campaignID of 0 lists runs
// of every campaign.
func (s *Store) ListRuns(campaignID int64) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, id DESC"
	args := []any{}
	if campaignID != 0 {
		query = "SELECT " + runColumns + " FROM runs WHERE campaign_id = ? ORDER BY started_at DESC, id DESC"
		args = append(args, campaignID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// SetState updates a run's lifecycle state.
func (s *Store) SetState(runID int64, state string) error {
	return s.updateRun(runID, "UPDATE runs SET state = ? WHERE id = ?", state, runID)
}

// SetFailure moves a run to the given failed state and records why.
func (s *Store) SetFailure(runID int64, state, reason string) error {
	return s.updateRun(runID, "UPDATE runs SET state = ?, fail_reason = ? WHERE id = ?", state, reason, runID)
}

// MarkEnded stamps a run's end time. The timestamp is set when the
// shutdown request is issued, not when the guest finishes powering
// off; run duration measures the window the campaign was given.
func (s *Store) MarkEnded(runID int64, endedAt time.Time) error {
	return s.updateRun(runID, "UPDATE runs SET ended_at = ? WHERE id = ?", endedAt.UTC(), runID)
}

// SetVisible toggles whether the run shows up in operator listings.
func (s *Store) SetVisible(runID int64, visible bool) error {
	return s.updateRun(runID, "UPDATE runs SET visible = ? WHERE id = ?", visible, runID)
}

// IncrementCleanupAttempts bumps the cleanup poll counter and returns
// the new value.
func (s *Store) IncrementCleanupAttempts(runID int64) (int, error) {
	if err := s.updateRun(runID, "UPDATE runs SET cleanup_attempts = cleanup_attempts + 1 WHERE id = ?", runID); err != nil {
		return 0, err
	}

	var attempts int
	if err := s.db.QueryRow("SELECT cleanup_attempts FROM runs WHERE id = ?", runID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read cleanup attempts of run %d: %w", runID, err)
	}
	return attempts, nil
}

// RecordInstance records the hypervisor footprint of a run.
func (s *Store) RecordInstance(runID int64, sshPort int) (*Instance, error) {
	result, err := s.db.Exec(
		"INSERT INTO instances (run_id, ssh_port, running) VALUES (?, ?, 1)",
		runID, sshPort,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record instance for run %d: %w", runID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance ID: %w", err)
	}

	return &Instance{ID: id, RunID: runID, SSHPort: sshPort, Running: true}, nil
}

// GetInstance retrieves the instance record of a run.
func (s *Store) GetInstance(runID int64) (*Instance, error) {
	var inst Instance
	err := s.db.QueryRow(
		"SELECT id, run_id, ssh_port, running FROM instances WHERE run_id = ?",
		runID,
	).Scan(&inst.ID, &inst.RunID, &inst.SSHPort, &inst.Running)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.Newf(faults.KindNotFound, "get instance", "run %d has no instance", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance of run %d: %w", runID, err)
	}

	return &inst, nil
}

// MarkInstanceStopped records that the run's domain is no longer up.
func (s *Store) MarkInstanceStopped(runID int64) error {
	result, err := s.db.Exec("UPDATE instances SET running = 0 WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to mark instance of run %d stopped: %w", runID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check instance update of run %d: %w", runID, err)
	}
	if n == 0 {
		return faults.Newf(faults.KindNotFound, "mark instance stopped", "run %d has no instance", runID)
	}
	return nil
}

func (s *Store) updateRun(runID int64, query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %d: %w", runID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of run %d: %w", runID, err)
	}
	if n == 0 {
		return faults.Newf(faults.KindNotFound, "update run", "run %d not found", runID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var endedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.UUID, &r.CampaignID, &r.State, &r.StartedAt, &endedAt, &r.Visible, &r.FailReason, &r.CleanupAttempts); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return &r, nil
}
