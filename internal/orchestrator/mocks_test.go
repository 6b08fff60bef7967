package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/faults"
	"github.com/jbweber/bivouac/internal/imageprep"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/scheduler"
)

// mockController records hypervisor calls and plays back configured
// responses.
type mockController struct {
	ensurePoolErr     error
	defineErr         error
	shutdownErr       error
	isActiveErr       error
	deleteVolumeErr   error
	undefineErr       error
	active            bool
	ensurePoolCalls   int
	defineCalls       int
	definedSpecs      []domain.DomainSpec
	shutdownCalls     []string
	isActiveCalls     int
	undefineCalls     []string
	deleteVolumeCalls []string
}

func (m *mockController) EnsurePool(ctx context.Context) error {
	m.ensurePoolCalls++
	return m.ensurePoolErr
}

func (m *mockController) DeleteVolume(ctx context.Context, volumeName string) error {
	m.deleteVolumeCalls = append(m.deleteVolumeCalls, volumeName)
	return m.deleteVolumeErr
}

func (m *mockController) DefineAndStart(ctx context.Context, spec domain.DomainSpec) error {
	m.defineCalls++
	if m.defineErr != nil {
		return m.defineErr
	}
	m.definedSpecs = append(m.definedSpecs, spec)
	return nil
}

func (m *mockController) RequestShutdown(ctx context.Context, domainName string) error {
	m.shutdownCalls = append(m.shutdownCalls, domainName)
	return m.shutdownErr
}

func (m *mockController) IsActive(ctx context.Context, domainName string) (bool, error) {
	m.isActiveCalls++
	if m.isActiveErr != nil {
		return false, m.isActiveErr
	}
	return m.active, nil
}

func (m *mockController) Undefine(ctx context.Context, domainName string) error {
	m.undefineCalls = append(m.undefineCalls, domainName)
	return m.undefineErr
}

// mockPrep records disk preparation calls.
type mockPrep struct {
	deriveErr   error
	injectErr   error
	deriveCalls int
	injected    [][]imageprep.FileSpec
}

func (m *mockPrep) DeriveInstanceDisk(ctx context.Context, baseImagePath, instanceID string, capacityGB uint64) (string, error) {
	m.deriveCalls++
	if m.deriveErr != nil {
		return "", m.deriveErr
	}
	return "/pool/bivouac-instances/bivouac_" + instanceID + ".qcow2", nil
}

func (m *mockPrep) InjectFiles(ctx context.Context, diskPath string, files []imageprep.FileSpec) error {
	if m.injectErr != nil {
		return m.injectErr
	}
	m.injected = append(m.injected, files)
	return nil
}

// mockLedger is an in-memory Ledger.
type mockLedger struct {
	campaigns map[int64]*ledger.Campaign
	variables map[int64][]*ledger.Variable
	runs      map[int64]*ledger.Run
	instances map[int64]*ledger.Instance
	nextRunID int64

	// stateLog records every state a run passes through, in order.
	stateLog map[int64][]string
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		campaigns: make(map[int64]*ledger.Campaign),
		variables: make(map[int64][]*ledger.Variable),
		runs:      make(map[int64]*ledger.Run),
		instances: make(map[int64]*ledger.Instance),
		stateLog:  make(map[int64][]string),
	}
}

func (m *mockLedger) addCampaign(id int64, name, source string, durationMinutes int) {
	m.campaigns[id] = &ledger.Campaign{
		ID:              id,
		Name:            name,
		Source:          source,
		DurationMinutes: durationMinutes,
	}
}

func (m *mockLedger) GetCampaign(id int64) (*ledger.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "get campaign", "campaign %d not found", id)
	}
	return c, nil
}

func (m *mockLedger) ListVariables(campaignID int64) ([]*ledger.Variable, error) {
	return m.variables[campaignID], nil
}

func (m *mockLedger) CreateRun(campaignID int64, state string) (*ledger.Run, error) {
	if _, ok := m.campaigns[campaignID]; !ok {
		return nil, faults.Newf(faults.KindNotFound, "create run", "campaign %d not found", campaignID)
	}
	m.nextRunID++
	run := &ledger.Run{
		ID:         m.nextRunID,
		UUID:       uuid.New().String(),
		CampaignID: campaignID,
		State:      state,
		StartedAt:  time.Now(),
	}
	m.runs[run.ID] = run
	m.stateLog[run.ID] = []string{state}
	return run, nil
}

func (m *mockLedger) GetRun(runID int64) (*ledger.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "get run", "run %d not found", runID)
	}
	copied := *run
	return &copied, nil
}

func (m *mockLedger) SetState(runID int64, state string) error {
	run, ok := m.runs[runID]
	if !ok {
		return faults.Newf(faults.KindNotFound, "update run", "run %d not found", runID)
	}
	run.State = state
	m.stateLog[runID] = append(m.stateLog[runID], state)
	return nil
}

func (m *mockLedger) SetFailure(runID int64, state, reason string) error {
	if err := m.SetState(runID, state); err != nil {
		return err
	}
	m.runs[runID].FailReason = reason
	return nil
}

func (m *mockLedger) MarkEnded(runID int64, endedAt time.Time) error {
	run, ok := m.runs[runID]
	if !ok {
		return faults.Newf(faults.KindNotFound, "update run", "run %d not found", runID)
	}
	run.EndedAt = &endedAt
	return nil
}

func (m *mockLedger) SetVisible(runID int64, visible bool) error {
	run, ok := m.runs[runID]
	if !ok {
		return faults.Newf(faults.KindNotFound, "update run", "run %d not found", runID)
	}
	run.Visible = visible
	return nil
}

func (m *mockLedger) IncrementCleanupAttempts(runID int64) (int, error) {
	run, ok := m.runs[runID]
	if !ok {
		return 0, faults.Newf(faults.KindNotFound, "update run", "run %d not found", runID)
	}
	run.CleanupAttempts++
	return run.CleanupAttempts, nil
}

func (m *mockLedger) RecordInstance(runID int64, sshPort int) (*ledger.Instance, error) {
	inst := &ledger.Instance{ID: runID, RunID: runID, SSHPort: sshPort, Running: true}
	m.instances[runID] = inst
	return inst, nil
}

func (m *mockLedger) MarkInstanceStopped(runID int64) error {
	inst, ok := m.instances[runID]
	if !ok {
		return faults.Newf(faults.KindNotFound, "mark instance stopped", "run %d has no instance", runID)
	}
	inst.Running = false
	return nil
}

// mockTasks records scheduled tasks without a database.
type mockTasks struct {
	scheduleErr error
	scheduled   []scheduledTask
	nextTaskID  int64
}

type scheduledTask struct {
	delay time.Duration
	step  string
	runID int64
}

func (m *mockTasks) ScheduleAfter(delay time.Duration, step string, runID int64) (*scheduler.Task, error) {
	if m.scheduleErr != nil {
		return nil, m.scheduleErr
	}
	m.nextTaskID++
	m.scheduled = append(m.scheduled, scheduledTask{delay: delay, step: step, runID: runID})
	return &scheduler.Task{ID: m.nextTaskID, Step: step, RunID: runID}, nil
}
