package orchestrator

import (
	"context"
	"time"

	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/imageprep"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/scheduler"
)

// DomainController defines the hypervisor operations the orchestrator
// needs. Satisfied by *domain.Controller in production and by mocks in
// tests.
type DomainController interface {
	// EnsurePool makes sure the instance storage pool exists and is active
	EnsurePool(ctx context.Context) error

	// DeleteVolume wipes and removes an instance volume
	DeleteVolume(ctx context.Context, volumeName string) error

	// DefineAndStart defines and boots an instance domain
	DefineAndStart(ctx context.Context, spec domain.DomainSpec) error

	// RequestShutdown asks a domain to power off gracefully
	RequestShutdown(ctx context.Context, domainName string) error

	// IsActive reports whether a domain is still running
	IsActive(ctx context.Context, domainName string) (bool, error)

	// Undefine removes a shut-off domain's definition
	Undefine(ctx context.Context, domainName string) error
}

// ImagePrep defines the disk preparation operations the orchestrator
// needs. Satisfied by *imageprep.Provisioner in production.
type ImagePrep interface {
	// DeriveInstanceDisk creates the instance's copy-on-write disk
	DeriveInstanceDisk(ctx context.Context, baseImagePath, instanceID string, capacityGB uint64) (string, error)

	// InjectFiles writes files into an offline disk image
	InjectFiles(ctx context.Context, diskPath string, files []imageprep.FileSpec) error
}

// Ledger defines the persistence operations the orchestrator needs.
// Satisfied by *ledger.Store in production.
type Ledger interface {
	GetCampaign(id int64) (*ledger.Campaign, error)
	ListVariables(campaignID int64) ([]*ledger.Variable, error)

	CreateRun(campaignID int64, state string) (*ledger.Run, error)
	GetRun(runID int64) (*ledger.Run, error)
	SetState(runID int64, state string) error
	SetFailure(runID int64, state, reason string) error
	MarkEnded(runID int64, endedAt time.Time) error
	SetVisible(runID int64, visible bool) error
	IncrementCleanupAttempts(runID int64) (int, error)

	RecordInstance(runID int64, sshPort int) (*ledger.Instance, error)
	MarkInstanceStopped(runID int64) error
}

// TaskScheduler defines the delayed-task operations the orchestrator
// needs. Satisfied by *scheduler.Queue in production.
type TaskScheduler interface {
	ScheduleAfter(delay time.Duration, step string, runID int64) (*scheduler.Task, error)
}
