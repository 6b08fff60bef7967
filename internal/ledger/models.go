package ledger

import "time"

// Campaign is a reusable run template: what to fetch, how long to let
// it execute, and which environment variables to hand the guest.
type Campaign struct {
	ID              int64
	Name            string
	Source          string
	DurationMinutes int
	CreatedAt       time.Time
}

// Variable is one environment variable attachable to campaigns. The
// same variable may be shared by several campaigns.
type Variable struct {
	ID    int64
	Key   string
	Value string
}

// Run is one execution of a campaign. Runs are append-only history;
// they move through states but are never deleted.
type Run struct {
	ID              int64
	UUID            string
	CampaignID      int64
	State           string
	StartedAt       time.Time
	EndedAt         *time.Time
	Visible         bool
	FailReason      string
	CleanupAttempts int
}

// Instance records the hypervisor footprint of a run: which host port
// forwards to the guest and whether the ledger still believes the
// domain is up.
type Instance struct {
	ID      int64
	RunID   int64
	SSHPort int
	Running bool
}
