// Package orchestrator drives the campaign run lifecycle: provision an
// instance, let it run for its campaign's duration, then shut it down
// and release its resources. All state lives in the ledger; the only
// thing ever asked of the hypervisor is liveness and the operations
// themselves.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/jbweber/bivouac/internal/config"
	"github.com/jbweber/bivouac/internal/domain"
	"github.com/jbweber/bivouac/internal/imageprep"
	"github.com/jbweber/bivouac/internal/ledger"
	"github.com/jbweber/bivouac/internal/naming"
	"github.com/jbweber/bivouac/internal/secrets"
)

// Lifecycle step names as persisted in the task queue.
const (
	StepShutdown = "shutdown"
	StepCleanup  = "cleanup"
)

// privateKeyFile is the name of the run's private key inside its work
// directory, for operator SSH into the instance.
const privateKeyFile = "id_rsa"

// Orchestrator owns the run lifecycle. Every dependency is an
// interface so the lifecycle is testable without a hypervisor.
type Orchestrator struct {
	controller DomainController
	prep       ImagePrep
	store      Ledger
	tasks      TaskScheduler
	cfg        *config.Config

	// Injection points for tests.
	now      func() time.Time
	randPort func(lo, hi int) int
}

// New creates an Orchestrator.
func New(controller DomainController, prep ImagePrep, store Ledger, tasks TaskScheduler, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		controller: controller,
		prep:       prep,
		store:      store,
		tasks:      tasks,
		cfg:        cfg,
		now:        time.Now,
		randPort:   randomPort,
	}
}

// randomPort picks a forward port uniformly from [lo, hi]. Collisions
// with a port already in use are possible and surface as a domain
// start failure, which fails that run only.
func randomPort(lo, hi int) int {
	return lo + rand.IntN(hi-lo+1)
}

// StartRun provisions and boots a new run of the given campaign. It
// returns once the domain is started and the shutdown step is
// scheduled. Any failure marks the run FAILED with a reason and
// schedules nothing; the daemon itself keeps serving.
func (o *Orchestrator) StartRun(ctx context.Context, campaignID int64) (*ledger.Run, error) {
	campaign, err := o.store.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %d: %w", campaignID, err)
	}

	variables, err := o.store.ListVariables(campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables of campaign %d: %w", campaignID, err)
	}

	run, err := o.store.CreateRun(campaignID, string(StateCreated))
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	log.Printf("run %d (%s): starting campaign %q", run.ID, run.UUID, campaign.Name)

	if err := o.provision(ctx, campaign, variables, run); err != nil {
		o.failRun(run.ID, err)
		return run, fmt.Errorf("run %d provisioning failed: %w", run.ID, err)
	}

	duration := time.Duration(campaign.DurationMinutes) * time.Minute
	if _, err := o.tasks.ScheduleAfter(duration, StepShutdown, run.ID); err != nil {
		o.failRun(run.ID, err)
		return run, fmt.Errorf("run %d started but shutdown could not be scheduled: %w", run.ID, err)
	}

	log.Printf("run %d (%s): running, shutdown in %s", run.ID, run.UUID, duration)
	return run, nil
}

// provision takes a freshly created run all the way to RUNNING.
func (o *Orchestrator) provision(ctx context.Context, campaign *ledger.Campaign, variables []*ledger.Variable, run *ledger.Run) error {
	if err := o.transition(run, StateProvisioning); err != nil {
		return fmt.Errorf("failed to mark run provisioning: %w", err)
	}

	port := o.randPort(o.cfg.PortRangeLo, o.cfg.PortRangeHi)

	log.Printf("run %d: ensuring storage pool %s", run.ID, o.cfg.PoolName)
	if err := o.controller.EnsurePool(ctx); err != nil {
		return fmt.Errorf("failed to ensure storage pool: %w", err)
	}

	log.Printf("run %d: deriving instance disk from %s", run.ID, o.cfg.BaseImagePath)
	diskPath, err := o.prep.DeriveInstanceDisk(ctx, o.cfg.BaseImagePath, run.UUID, o.cfg.DiskCapacityGB)
	if err != nil {
		return fmt.Errorf("failed to derive instance disk: %w", err)
	}

	log.Printf("run %d: generating keypair", run.ID)
	keys, err := secrets.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	document, err := secrets.RenderDocument(secrets.DocumentParams{
		Repository: campaign.Source,
		SSHPort:    port,
		SSHHost:    o.cfg.SSHHost,
		SSHUser:    o.cfg.SSHUser,
		PublicKey:  string(keys.PublicKey),
		PrivateKey: string(keys.PrivateKey),
		Variables:  documentVariables(variables),
	})
	if err != nil {
		return fmt.Errorf("failed to render secrets document: %w", err)
	}

	workDir, err := o.prepareWorkDir(run.UUID, keys)
	if err != nil {
		return err
	}

	log.Printf("run %d: injecting secrets into offline disk", run.ID)
	files := []imageprep.FileSpec{
		{GuestPath: o.cfg.SecretsPath, Content: []byte(document), Mode: 0o600},
		{GuestPath: o.cfg.AuthorizedKeysPath, Content: keys.PublicKey, Append: true, Mode: 0o600},
	}
	if err := o.prep.InjectFiles(ctx, diskPath, files); err != nil {
		return fmt.Errorf("failed to inject secrets: %w", err)
	}

	log.Printf("run %d: defining and starting domain %s (ssh forward port %d)", run.ID, run.UUID, port)
	spec := domain.DomainSpec{
		Name:           naming.DomainName(run.UUID),
		VolumeName:     naming.InstanceVolumeName(run.UUID),
		SharedHostDir:  workDir,
		SSHForwardPort: port,
		Metadata: domain.InstanceMetadata{
			RunUUID:      run.UUID,
			CampaignName: campaign.Name,
			SSHPort:      port,
			WorkDir:      workDir,
		},
	}
	if err := o.controller.DefineAndStart(ctx, spec); err != nil {
		return fmt.Errorf("failed to start domain: %w", err)
	}

	if _, err := o.store.RecordInstance(run.ID, port); err != nil {
		return fmt.Errorf("domain started but instance could not be recorded: %w", err)
	}

	if err := o.transition(run, StateRunning); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}

	return nil
}

// prepareWorkDir creates the run's work directory and drops the
// private key into it for operator use. The directory is also what the
// domain shares into the guest.
func (o *Orchestrator) prepareWorkDir(runUUID string, keys *secrets.KeyPair) (string, error) {
	workDir := naming.WorkDir(o.cfg.WorkDir, runUUID)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create work directory %s: %w", workDir, err)
	}
	keyPath := workDir + "/" + privateKeyFile
	if err := os.WriteFile(keyPath, keys.PrivateKey, 0o600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	return workDir, nil
}

// transition records a state change after checking it against the
// lifecycle graph. A refused move means the run row changed under us
// or a step was delivered out of order, so it surfaces as an error
// instead of overwriting the ledger.
func (o *Orchestrator) transition(run *ledger.Run, to State) error {
	from := State(run.State)
	if !CanTransition(from, to) {
		return fmt.Errorf("run %d: illegal state transition %s -> %s", run.ID, from, to)
	}
	if err := o.store.SetState(run.ID, string(to)); err != nil {
		return err
	}
	run.State = string(to)
	return nil
}

// failRun records a terminal provisioning failure. The error text goes
// into the ledger for the operator; it never aborts the daemon.
func (o *Orchestrator) failRun(runID int64, cause error) {
	log.Printf("run %d: failed: %v", runID, cause)
	if err := o.store.SetFailure(runID, string(StateFailed), cause.Error()); err != nil {
		log.Printf("run %d: failed to record failure: %v", runID, err)
	}
}

func documentVariables(variables []*ledger.Variable) []secrets.Variable {
	out := make([]secrets.Variable, 0, len(variables))
	for _, v := range variables {
		out = append(out, secrets.Variable{Key: v.Key, Value: v.Value})
	}
	return out
}
