package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/auth"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/sandbox"
	"github.com/ashureev/agentlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct{ n atomic.Int32 }

func (c *countingDirectory) Invalidate() { c.n.Add(1) }

type recorder struct {
	mu    sync.Mutex
	snaps []Progress
}

func (r *recorder) observe(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, p)
}

func (r *recorder) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Stage
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Stage {
			out = append(out, s.Stage)
		}
	}
	return out
}

type fixture struct {
	sb  *sandbox.Server
	api *backend.Client
	dir *countingDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sb := sandbox.New(sandbox.Options{})
	ts := httptest.NewServer(sb.Handler())
	t.Cleanup(func() {
		sb.Close()
		ts.Close()
	})
	sb.SeedUser("maker", "maker@example.com", "pw", "Maker")

	apiURL, _, _ := sandbox.Endpoints(ts.URL)
	client, err := backend.New(apiURL, 5*time.Second)
	require.NoError(t, err)
	session := auth.New(client, store.NewMemory(), nil)
	client.SetTokenSource(session)
	_, err = session.SignIn(context.Background(), domain.Credentials{EmailOrUsername: "maker", Password: "pw"})
	require.NoError(t, err)

	return &fixture{sb: sb, api: client, dir: &countingDirectory{}}
}

func (f *fixture) pipeline(obs Observer) *Pipeline {
	return New(f.api, f.dir, Options{CredentialRetryDelay: time.Millisecond, Observer: obs})
}

func validForm() domain.AgentForm {
	return domain.AgentForm{
		Name:         "Scout",
		Description:  "Finds things",
		URL:          "https://scout.example.com",
		Purpose:      "exploration",
		Capabilities: []string{"search", "search", "summarize"},
		Type:         domain.DefaultAgentType,
		Category:     domain.DefaultAgentCategory,
	}
}

func TestRunProvisionsAgent(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	p := f.pipeline(rec.observe)

	got, err := p.Run(context.Background(), validForm())
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.Stage)
	assert.True(t, got.FormEnabled)
	require.NotEmpty(t, got.AccountID)
	assert.Equal(t, f.sb.DID(got.AccountID), got.DID)
	require.NotNil(t, got.Profile)

	profile, ok := f.sb.Profile(got.AccountID)
	require.True(t, ok)
	assert.Equal(t, "Scout", profile.Name)
	assert.Equal(t, []string{"search", "summarize"}, profile.Capabilities)
	assert.Equal(t, domain.VCStatusIssued, profile.VCStatus)
	assert.Equal(t, 1, f.sb.CredentialAttempts(got.AccountID))

	assert.Equal(t, []Stage{StageWallet, StageDID, StageProfile, StageCredential, StageDone}, rec.stages())
	assert.EqualValues(t, 1, f.dir.n.Load())
	assert.Contains(t, f.sb.AgentsOf("maker"), got.AccountID)
}

func TestRunRejectsInvalidFormWithoutNetwork(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	before := f.sb.TotalCalls()

	form := validForm()
	form.URL = "ftp://nope"
	form.Name = ""
	_, err := p.Run(context.Background(), form)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
	assert.Contains(t, err.Error(), "agentName")
	assert.Contains(t, err.Error(), "agentUrl")
	assert.Equal(t, before, f.sb.TotalCalls())
}

func TestProfileFailureKeepsEarlierOutputs(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	f.sb.FailNext(http.MethodPost, "/api/agent-profile", 1, http.StatusInternalServerError)

	got, err := p.Run(context.Background(), validForm())
	require.Error(t, err)

	assert.Equal(t, StageProfile, got.Stage)
	assert.NotEmpty(t, got.AccountID)
	assert.NotEmpty(t, got.DID)
	assert.Nil(t, got.Profile)
	assert.Error(t, got.State(StageProfile).Err)
	assert.False(t, got.State(StageProfile).Loading)
	assert.True(t, got.FormEnabled)

	assert.Zero(t, f.sb.Calls(http.MethodPost, "/api/identities/credentials/"+got.AccountID))
	assert.EqualValues(t, 1, f.dir.n.Load())
}

func TestWalletFailureDoesNotInvalidate(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	f.sb.FailNext(http.MethodPost, "/api/wallets", 1, http.StatusServiceUnavailable)

	got, err := p.Run(context.Background(), validForm())
	require.Error(t, err)
	assert.Equal(t, StageWallet, got.Stage)
	assert.Empty(t, got.AccountID)
	assert.Zero(t, f.dir.n.Load())
}

// nextAgentAccount predicts the id the sandbox assigns to the next wallet.
func nextAgentAccount(f *fixture) string {
	probe := f.sb.SeedBareAgent("probe")
	var n int
	_, _ = fmt.Sscanf(probe, "0.0.%d", &n)
	return fmt.Sprintf("0.0.%d", n+1)
}

func TestCredentialRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	id := nextAgentAccount(f)
	f.sb.FailNext(http.MethodPost, "/api/identities/credentials/"+id, DefaultCredentialRetries, http.StatusBadGateway)

	got, err := p.Run(context.Background(), validForm())
	require.NoError(t, err)
	assert.Equal(t, id, got.AccountID)
	assert.Equal(t, DefaultCredentialRetries+1, f.sb.Calls(http.MethodPost, "/api/identities/credentials/"+id))
}

func TestCredentialGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	id := nextAgentAccount(f)
	f.sb.FailNext(http.MethodPost, "/api/identities/credentials/"+id, DefaultCredentialRetries+1, http.StatusBadGateway)

	got, err := p.Run(context.Background(), validForm())
	require.Error(t, err)
	assert.Equal(t, StageCredential, got.Stage)
	assert.NotNil(t, got.Profile)
	assert.Equal(t, DefaultCredentialRetries+1, f.sb.Calls(http.MethodPost, "/api/identities/credentials/"+id))
}

func TestCancelStopsChain(t *testing.T) {
	f := newFixture(t)
	var p *Pipeline
	p = f.pipeline(func(pr Progress) {
		if pr.Stage == StageDID && pr.State(StageDID).Loading {
			p.Cancel()
		}
	})

	_, err := p.Run(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	got := p.Progress()
	assert.Equal(t, StageIdle, got.Stage)
	assert.True(t, got.FormEnabled)
	assert.NotEmpty(t, got.AccountID)
	assert.Zero(t, f.sb.Calls(http.MethodPost, "/api/agent-profile"))
}

func TestReplacedRunDiscardsLateResults(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(nil)
	ctx := context.Background()

	got, err := p.Run(ctx, validForm())
	require.NoError(t, err)
	stale := p.runID

	p.Cancel()
	p.mu.Lock()
	p.runID++
	p.progress = Progress{AccountID: "0.0.fresh", DID: "did:fresh"}
	p.mu.Unlock()

	assert.ErrorIs(t, p.createWallet(ctx, stale, validForm()), context.Canceled)
	assert.ErrorIs(t, p.issueDID(ctx, stale, validForm()), context.Canceled)
	assert.ErrorIs(t, p.createProfile(ctx, stale, validForm()), context.Canceled)
	assert.ErrorIs(t, p.issueCredential(ctx, stale, validForm()), context.Canceled)

	now := p.Progress()
	assert.Equal(t, "0.0.fresh", now.AccountID)
	assert.Equal(t, "did:fresh", now.DID)
	assert.Nil(t, now.Profile)
	assert.NotEqual(t, got.AccountID, now.AccountID)
}

func TestConcurrentRunRejected(t *testing.T) {
	f := newFixture(t)
	var p *Pipeline
	var second error
	p = f.pipeline(func(pr Progress) {
		if pr.Stage == StageWallet && pr.State(StageWallet).Loading {
			_, second = p.Run(context.Background(), validForm())
		}
	})

	_, err := p.Run(context.Background(), validForm())
	require.NoError(t, err)
	require.Error(t, second)
	assert.True(t, apierr.Is(second, apierr.KindBusiness))
}
