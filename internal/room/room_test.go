package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/archive"
	"github.com/ashureev/agentlink/internal/auth"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/ashureev/agentlink/internal/chat"
	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/realtime"
	"github.com/ashureev/agentlink/internal/sandbox"
	"github.com/ashureev/agentlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []archive.Entry
}

func (s *recordingSink) Log(e archive.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Kind)
	}
	return out
}

type profiles map[string]string

func (p profiles) Profile(_ context.Context, id string) domain.AgentProfile {
	if name, ok := p[id]; ok {
		return domain.AgentProfile{AccountID: id, Name: name}
	}
	return domain.DefaultProfile(id, nil)
}

type fixture struct {
	sb      *sandbox.Server
	reg     *chat.Registry
	channel *realtime.Channel
	sink    *recordingSink
	a, b    string
	sid     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sb := sandbox.New(sandbox.Options{AIDelay: 5 * time.Millisecond})
	ts := httptest.NewServer(sb.Handler())
	t.Cleanup(func() {
		sb.Close()
		ts.Close()
	})
	sb.SeedUser("host", "host@example.com", "pw", "Host")
	a := sb.SeedAgent("host", domain.AgentProfile{Name: "Alpha"})
	b := sb.SeedAgent("host", domain.AgentProfile{Name: "Beta"})
	sid, err := sb.SeedSession(a, b)
	require.NoError(t, err)

	apiURL, chatURL, wsURL := sandbox.Endpoints(ts.URL)
	api, err := backend.New(apiURL, 5*time.Second)
	require.NoError(t, err)
	chatClient, err := backend.New(chatURL, 5*time.Second)
	require.NoError(t, err)

	session := auth.New(api, store.NewMemory(), nil)
	api.SetTokenSource(session)
	chatClient.SetTokenSource(session)
	_, err = session.SignIn(context.Background(), domain.Credentials{EmailOrUsername: "host", Password: "pw"})
	require.NoError(t, err)

	channel := realtime.New(realtime.Options{URL: wsURL, DialTimeout: 2 * time.Second, Tokens: session})
	t.Cleanup(channel.ForceDisconnect)

	return &fixture{
		sb:      sb,
		reg:     chat.New(chatClient, api, time.Minute, nil),
		channel: channel,
		sink:    &recordingSink{},
		a:       a,
		b:       b,
		sid:     sid,
	}
}

func (f *fixture) room(id string) *Room {
	return New(id, f.reg, f.channel, Options{
		LoadThrottle:        time.Hour,
		TranscriptPollDelay: 10 * time.Millisecond,
		Archive:             f.sink,
	})
}

func sessionPath(id string) string { return "/api/agent-chat/sessions/" + id }

func TestMalformedSessionIDNeverReachesNetwork(t *testing.T) {
	f := newFixture(t)
	r := f.room("not-a-uuid")
	ctx := context.Background()
	before := f.sb.TotalCalls()

	_, err := r.Load(ctx)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
	assert.True(t, apierr.Is(r.Start(ctx), apierr.KindValidation))
	assert.True(t, apierr.Is(r.Send(ctx, "hi"), apierr.KindValidation))
	assert.True(t, apierr.Is(r.End(ctx), apierr.KindValidation))
	_, err = r.Transcript(ctx)
	assert.True(t, apierr.Is(err, apierr.KindValidation))

	assert.Equal(t, before, f.sb.TotalCalls())
	assert.Equal(t, realtime.StateDisconnected, f.channel.State())
}

func TestLoadIsThrottled(t *testing.T) {
	f := newFixture(t)
	r := f.room(f.sid)
	ctx := context.Background()

	ran, err := r.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, r.Snapshot().Session)
	assert.Equal(t, f.a, r.Snapshot().Session.AgentAID)

	ran, err = r.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "second load inside the interval must be skipped")
	assert.Equal(t, 1, f.sb.Calls(http.MethodGet, sessionPath(f.sid)+"/messages"))
}

func TestLoadResolvesAgentNames(t *testing.T) {
	f := newFixture(t)
	r := New(f.sid, f.reg, f.channel, Options{Profiles: profiles{f.a: "Alpha"}})

	_, err := r.Load(context.Background())
	require.NoError(t, err)
	names := r.Snapshot().Names
	assert.Equal(t, "Alpha", names[f.a])
	_, ok := names[f.b]
	assert.False(t, ok, "placeholder profiles keep the account id")
}

func TestLoadSkipsOnceMessagesArePresent(t *testing.T) {
	f := newFixture(t)
	r := New(f.sid, f.reg, f.channel, Options{LoadThrottle: time.Millisecond})
	before := f.sb.TotalCalls()
	r.receive(realtime.ChatLine{ID: "m1", From: f.a, Message: "seed"}, archive.KindMessage, false)
	r.mu.Lock()
	r.loaded = true
	r.mu.Unlock()

	ran, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, before, f.sb.TotalCalls())
}

func TestConversationRoundTrip(t *testing.T) {
	f := newFixture(t)
	r := f.room(f.sid)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	defer r.Stop()
	assert.True(t, r.Snapshot().Connected)
	assert.True(t, apierr.Is(r.Start(ctx), apierr.KindBusiness), "second start is rejected")

	require.NoError(t, r.Send(ctx, "  hello  "))
	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return len(s.Messages) == 2 && !s.AITyping
	}, 5*time.Second, 10*time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, f.a, snap.Messages[0].FromAgentID)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.Equal(t, f.b, snap.Messages[1].FromAgentID)
	assert.False(t, snap.LastActivity.IsZero())
	assert.Equal(t, []string{archive.KindMessage, archive.KindAI}, f.sink.kinds())

	// Replayed history carries the same ids and must not duplicate.
	require.NoError(t, f.channel.StreamMessages(ctx, f.sid, 0, 10))
	require.NoError(t, f.channel.RequestStatus(ctx, f.sid))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.Snapshot().Messages, 2)

	require.NoError(t, r.TriggerAI(ctx))
	require.Eventually(t, func() bool { return len(r.Snapshot().Messages) == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestEndStopsSending(t *testing.T) {
	f := newFixture(t)
	r := f.room(f.sid)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	require.NoError(t, r.End(ctx))
	assert.Equal(t, domain.SessionEnded, r.Snapshot().Session.Status)

	err := r.Send(ctx, "too late")
	assert.True(t, apierr.Is(err, apierr.KindBusiness))
	assert.True(t, apierr.Is(r.TriggerAI(ctx), apierr.KindBusiness))
}

func TestTranscriptLifecycle(t *testing.T) {
	f := newFixture(t)
	r := f.room(f.sid)
	ctx := context.Background()

	res, err := r.Transcript(ctx)
	require.NoError(t, err)
	assert.False(t, res.Available)
	assert.Zero(t, res.MessageCount)

	res, err = r.GenerateTranscript(ctx)
	require.NoError(t, err)
	assert.True(t, res.Available)
	require.NotNil(t, res.Transcript)
	assert.Equal(t, f.sid, res.Transcript.SessionID)
}

func TestGenerateTranscriptHonorsContext(t *testing.T) {
	f := newFixture(t)
	r := New(f.sid, f.reg, f.channel, Options{TranscriptPollDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.GenerateTranscript(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartReportsConnectFailure(t *testing.T) {
	f := newFixture(t)
	broken := realtime.New(realtime.Options{URL: "ws://127.0.0.1:1/agent-chat", DialTimeout: 200 * time.Millisecond})
	r := New(f.sid, f.reg, broken, Options{})

	err := r.Start(context.Background())
	require.Error(t, err)
	snap := r.Snapshot()
	assert.False(t, snap.Connected)
	assert.Error(t, snap.ConnErr)
	assert.NotNil(t, snap.Session, "session is loaded before connecting")
}

func TestEventsForOtherSessionsAreIgnored(t *testing.T) {
	f := newFixture(t)
	var changes int
	r := New(f.sid, f.reg, f.channel, Options{OnChange: func(Snapshot) { changes++ }})

	r.handle(realtime.NewMessage{ChatLine: realtime.ChatLine{SessionID: "other", ID: "x", Message: "nope"}})
	r.handle(realtime.AIThinking{SessionID: "other", AgentID: f.b})
	assert.Empty(t, r.Snapshot().Messages)
	assert.False(t, r.Snapshot().AITyping)
	assert.Zero(t, changes)

	r.handle(realtime.AIThinking{SessionID: f.sid, AgentID: f.b})
	assert.True(t, r.Snapshot().AITyping)
	assert.Equal(t, f.b, r.Snapshot().TypingAgent)

	r.handle(realtime.AIResponse{ChatLine: realtime.ChatLine{SessionID: f.sid, ID: "r1", From: f.b, Message: "yo"}})
	assert.False(t, r.Snapshot().AITyping)
	assert.Len(t, r.Snapshot().Messages, 1)

	r.handle(realtime.ServerError{Message: "bad", Code: realtime.CodeMessageError})
	assert.EqualError(t, r.Snapshot().LastError, "MESSAGE_ERROR: bad")
}
