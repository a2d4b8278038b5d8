// Package pipeline provisions a new agent: wallet, DID, profile and
// verifiable credential, in that order.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/domain"
)

// Stage is one step of the creation pipeline.
type Stage int

// Pipeline stages in execution order.
const (
	StageIdle Stage = iota
	StageWallet
	StageDID
	StageProfile
	StageCredential
	StageDone
)

const stageCount = int(StageDone) + 1

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageWallet:
		return "wallet"
	case StageDID:
		return "did"
	case StageProfile:
		return "profile"
	case StageCredential:
		return "credential"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Defaults for credential issuance.
const (
	DefaultCredentialRetries    = 4
	DefaultCredentialRetryDelay = time.Second
	credentialSubject           = "Default VC Subject"
)

// StageState is the loading flag and last error of one stage.
type StageState struct {
	Loading bool
	Err     error
}

// Progress is a snapshot of the pipeline.
type Progress struct {
	Stage       Stage
	Stages      [stageCount]StageState
	AccountID   string
	DID         string
	Profile     *domain.AgentProfile
	FormEnabled bool
}

// State returns the state of one stage.
func (p Progress) State(s Stage) StageState {
	if s < 0 || int(s) >= stageCount {
		return StageState{}
	}
	return p.Stages[s]
}

// Observer receives a snapshot after every transition.
type Observer func(Progress)

// Invalidator drops cached agent listings.
type Invalidator interface {
	Invalidate()
}

// Options configures a Pipeline. Zero CredentialRetries uses the default;
// a negative value disables retries.
type Options struct {
	CredentialRetries    int
	CredentialRetryDelay time.Duration
	Observer             Observer
	Logger               *slog.Logger
}

// Pipeline runs agent creation. One run may be in flight at a time.
type Pipeline struct {
	api       *backend.Client
	directory Invalidator
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	runID    uint64
}

// New creates an idle pipeline. directory may be nil.
func New(api *backend.Client, directory Invalidator, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch {
	case opts.CredentialRetries == 0:
		opts.CredentialRetries = DefaultCredentialRetries
	case opts.CredentialRetries < 0:
		opts.CredentialRetries = 0
	}
	if opts.CredentialRetryDelay <= 0 {
		opts.CredentialRetryDelay = DefaultCredentialRetryDelay
	}
	return &Pipeline{
		api:       api,
		directory: directory,
		opts:      opts,
		logger:    opts.Logger,
		progress:  Progress{FormEnabled: true},
	}
}

// Progress returns the current snapshot.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() Progress {
	out := p.progress
	if out.Profile != nil {
		profile := *out.Profile
		out.Profile = &profile
	}
	return out
}

// Run validates form and provisions the agent. On failure the pipeline stays
// at the failed stage, earlier outputs are kept, and the form is re-enabled.
func (p *Pipeline) Run(ctx context.Context, form domain.AgentForm) (Progress, error) {
	const op = "pipeline.Run"

	if invalid := form.Validate(); len(invalid) > 0 {
		return p.Progress(), apierr.Validation(op, "invalid fields: "+strings.Join(invalid, ", "))
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return p.Progress(), apierr.Business(op, "agent creation already in progress")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.runID++
	id := p.runID
	p.progress = Progress{}
	p.mu.Unlock()
	defer p.finish(id, cancel)

	steps := []struct {
		stage Stage
		run   func(context.Context, uint64, domain.AgentForm) error
	}{
		{StageWallet, p.createWallet},
		{StageDID, p.issueDID},
		{StageProfile, p.createProfile},
		{StageCredential, p.issueCredential},
	}

	for _, step := range steps {
		if !p.begin(id, step.stage) {
			return p.Progress(), context.Canceled
		}
		if err := step.run(runCtx, id, form); err != nil {
			p.fail(id, step.stage, err)
			if ctxErr := runCtx.Err(); ctxErr != nil {
				return p.Progress(), ctxErr
			}
			if step.stage > StageWallet {
				p.invalidate()
			}
			return p.Progress(), fmt.Errorf("%s stage: %w", step.stage, err)
		}
	}

	p.mu.Lock()
	if p.runID == id {
		p.progress.Stages[StageCredential].Loading = false
		p.progress.Stage = StageDone
		p.progress.FormEnabled = true
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.notify(snap)

	p.invalidate()
	p.logger.Info("Agent created", "account_id", snap.AccountID, "did", snap.DID)
	return snap, nil
}

// Cancel aborts the in-flight run, clears stage flags and re-enables the
// form. Resources created so far are left in place.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.runID++
	p.progress.Stage = StageIdle
	p.progress.Stages = [stageCount]StageState{}
	p.progress.FormEnabled = true
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Info("Agent creation cancelled", "account_id", snap.AccountID)
	p.notify(snap)
}

func (p *Pipeline) finish(id uint64, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	if p.runID == id {
		p.cancel = nil
	}
	p.mu.Unlock()
}

// begin enters stage unless the run has been cancelled.
func (p *Pipeline) begin(id uint64, stage Stage) bool {
	p.mu.Lock()
	if p.runID != id {
		p.mu.Unlock()
		return false
	}
	if prev := stage - 1; prev > StageIdle {
		p.progress.Stages[prev].Loading = false
	}
	p.progress.Stage = stage
	p.progress.Stages[stage] = StageState{Loading: true}
	p.progress.FormEnabled = false
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Debug("Pipeline stage started", "stage", stage.String())
	p.notify(snap)
	return true
}

func (p *Pipeline) fail(id uint64, stage Stage, err error) {
	p.mu.Lock()
	if p.runID != id {
		p.mu.Unlock()
		return
	}
	p.progress.Stages[stage] = StageState{Err: err}
	p.progress.FormEnabled = true
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.Error("Pipeline stage failed", "stage", stage.String(), "account_id", snap.AccountID, "error", err)
	p.notify(snap)
}

func (p *Pipeline) notify(snap Progress) {
	if p.opts.Observer != nil {
		p.opts.Observer(snap)
	}
}

func (p *Pipeline) invalidate() {
	if p.directory != nil {
		p.directory.Invalidate()
	}
}

// outputs returns the progress of run id, or context.Canceled once a newer
// run or a Cancel has replaced it.
func (p *Pipeline) outputs(id uint64) (Progress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runID != id {
		return Progress{}, context.Canceled
	}
	return p.progress, nil
}

// record applies fn to the progress of run id. Results of a replaced run are
// discarded.
func (p *Pipeline) record(id uint64, fn func(*Progress)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runID != id {
		return context.Canceled
	}
	fn(&p.progress)
	return nil
}

type walletResponse struct {
	Wallet domain.Agent `json:"wallet"`
}

func (p *Pipeline) createWallet(ctx context.Context, id uint64, _ domain.AgentForm) error {
	var resp walletResponse
	if err := p.api.Post(ctx, "wallets?createDid=false", map[string]string{"type": "agent"}, &resp); err != nil {
		return err
	}
	if resp.Wallet.Account.ID == "" {
		return apierr.New(apierr.KindServer, "pipeline.createWallet", "wallet response carried no account id")
	}
	return p.record(id, func(pr *Progress) { pr.AccountID = resp.Wallet.Account.ID })
}

type didResponse struct {
	Owner string `json:"owner"`
	DID   string `json:"did_id"`
}

func (p *Pipeline) issueDID(ctx context.Context, id uint64, _ domain.AgentForm) error {
	out, err := p.outputs(id)
	if err != nil {
		return err
	}
	accountID := out.AccountID
	if accountID == "" {
		return errors.New("no wallet account to attach a DID to")
	}
	var resp didResponse
	if err := p.api.Post(ctx, "identities/"+backend.PathEscape(accountID), struct{}{}, &resp); err != nil {
		return err
	}
	if resp.DID == "" {
		return apierr.New(apierr.KindServer, "pipeline.issueDID", "DID response carried no did_id")
	}
	return p.record(id, func(pr *Progress) { pr.DID = resp.DID })
}

func (p *Pipeline) createProfile(ctx context.Context, id uint64, form domain.AgentForm) error {
	out, err := p.outputs(id)
	if err != nil {
		return err
	}
	accountID, did := out.AccountID, out.DID
	if accountID == "" || did == "" {
		return errors.New("profile requires a wallet account and DID")
	}

	body := domain.AgentProfile{
		AccountID:    accountID,
		Name:         strings.TrimSpace(form.Name),
		Description:  strings.TrimSpace(form.Description),
		Purpose:      strings.TrimSpace(form.Purpose),
		URL:          strings.TrimSpace(form.URL),
		Type:         form.Type,
		Category:     form.Category,
		Capabilities: form.UniqueCapabilities(),
		Status:       domain.AgentStatusPendingWallet,
		VCStatus:     domain.VCStatusPending,
		DID:          did,
	}
	var created domain.AgentProfile
	if err := p.api.Post(ctx, "agent-profile?agentAccountId="+backend.PathEscape(accountID), body, &created); err != nil {
		return err
	}
	if created.AccountID == "" {
		created = body
	}
	return p.record(id, func(pr *Progress) { pr.Profile = &created })
}

func credentialMetadata() (string, error) {
	raw, err := json.Marshal(map[string]string{"message": credentialSubject})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (p *Pipeline) issueCredential(ctx context.Context, id uint64, _ domain.AgentForm) error {
	out, err := p.outputs(id)
	if err != nil {
		return err
	}
	accountID, ready := out.AccountID, out.Profile != nil
	if !ready {
		return errors.New("credential requires a stored profile")
	}

	meta, err := credentialMetadata()
	if err != nil {
		return fmt.Errorf("encode credential metadata: %w", err)
	}
	body := map[string]string{"base64metadata": meta}
	path := "identities/credentials/" + backend.PathEscape(accountID)

	attempts := p.opts.CredentialRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = p.api.Post(ctx, path, body, nil)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		p.logger.Warn("Credential issuance failed, retrying",
			"account_id", accountID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", lastErr,
		)
		timer := time.NewTimer(p.opts.CredentialRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("issue credential after %d attempts: %w", attempts, lastErr)
}
