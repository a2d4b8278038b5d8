package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentlink/internal/domain"
	"github.com/ashureev/agentlink/internal/sandbox"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, "", args...)
	if err != nil {
		t.Fatalf("%s failed: %v\noutput: %s", strings.Join(args, " "), err, out)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type cliEnv struct {
	sb   *sandbox.Server
	a, b string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	sb := sandbox.New(sandbox.Options{AIDelay: 5 * time.Millisecond})
	ts := httptest.NewServer(sb.Handler())
	t.Cleanup(func() {
		sb.Close()
		ts.Close()
	})
	sb.SeedUser("cli", "cli@example.com", "pw", "CLI User")
	a := sb.SeedAgent("cli", domain.AgentProfile{Name: "Scout"})
	b := sb.SeedAgent("cli", domain.AgentProfile{Name: "Scribe"})

	apiURL, chatURL, wsURL := sandbox.Endpoints(ts.URL)
	t.Setenv("AGENTLINK_API_URL", apiURL)
	t.Setenv("AGENTLINK_CHAT_API_URL", chatURL)
	t.Setenv("AGENTLINK_WS_URL", wsURL)
	t.Setenv("AGENTLINK_DB_PATH", filepath.Join(t.TempDir(), "agentlink.db"))
	t.Setenv("AGENTLINK_LOG_LEVEL", "error")
	t.Setenv("AGENTLINK_VC_RETRY_DELAY", "1ms")
	t.Setenv("AGENTLINK_TRANSCRIPT_POLL_DELAY", "1ms")
	return &cliEnv{sb: sb, a: a, b: b}
}

func TestVersionCmd(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.Contains(out, "agentlink dev") {
		t.Errorf("expected output to contain 'agentlink dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out := mustRun(t, "--help")
	for _, sub := range []string{"login", "agents", "rooms", "chat", "transcript", "sandbox"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q, got: %s", sub, out)
		}
	}
}

func TestCommandsRequireSignIn(t *testing.T) {
	newCLIEnv(t)
	for _, args := range [][]string{{"whoami"}, {"agents", "list"}, {"rooms", "list"}} {
		if _, err := run(t, "", args...); err == nil || !strings.Contains(err.Error(), "not signed in") {
			t.Errorf("%v: expected sign-in error, got %v", args, err)
		}
	}
}

func TestSessionPersistsAcrossInvocations(t *testing.T) {
	newCLIEnv(t)

	if out := mustRun(t, "login", "-u", "cli", "-p", "pw"); !strings.Contains(out, "Signed in as cli") {
		t.Fatalf("unexpected login output: %s", out)
	}
	out := mustRun(t, "whoami")
	if !strings.Contains(out, "CLI User") || !strings.Contains(out, "100.00") {
		t.Errorf("unexpected whoami output: %s", out)
	}
	mustRun(t, "whoami", "--refresh")

	mustRun(t, "logout")
	if _, err := run(t, "", "whoami"); err == nil {
		t.Error("expected whoami to fail after logout")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	newCLIEnv(t)
	if _, err := run(t, "", "login", "-u", "cli", "-p", "wrong"); err == nil {
		t.Fatal("expected login to fail")
	}
}

func TestRegisterThenLogin(t *testing.T) {
	newCLIEnv(t)
	out := mustRun(t, "register", "--username", "newbie", "--email", "n@example.com", "-p", "pw", "--name", "New Bie")
	if !strings.Contains(out, "Registered newbie") {
		t.Fatalf("unexpected register output: %s", out)
	}
	if _, err := run(t, "", "whoami"); err == nil {
		t.Error("registration must not sign in")
	}
	mustRun(t, "login", "-u", "n@example.com", "-p", "pw")
}

func TestAgentsListAndCreate(t *testing.T) {
	e := newCLIEnv(t)
	mustRun(t, "login", "-u", "cli", "-p", "pw")

	out := mustRun(t, "agents", "list")
	if !strings.Contains(out, e.a) || !strings.Contains(out, "Scout") {
		t.Errorf("expected agents table to list %s, got: %s", e.a, out)
	}

	out = mustRun(t, "agents", "create",
		"--name", "Courier", "--description", "Delivers", "--url", "https://courier.example",
		"--purpose", "Delivery", "--capability", "send", "--capability", "send",
		"--type", "assistant", "--category", "logistics")
	if !strings.Contains(out, "Created agent") {
		t.Fatalf("unexpected create output: %s", out)
	}
	if !strings.Contains(mustRun(t, "agents", "list"), "Courier") {
		t.Error("new agent missing from listing")
	}

	if _, err := run(t, "", "agents", "create", "--name", "Broken"); err == nil {
		t.Error("expected validation error for incomplete form")
	}
}

func TestRoomLifecycle(t *testing.T) {
	e := newCLIEnv(t)
	mustRun(t, "login", "-u", "cli", "-p", "pw")

	out := mustRun(t, "rooms", "create", e.a, e.b)
	fields := strings.Fields(out)
	if len(fields) < 3 || !domain.ValidSessionID(fields[2]) {
		t.Fatalf("unexpected create output: %s", out)
	}
	sid := fields[2]

	if out := mustRun(t, "rooms", "list", "--status", "active"); !strings.Contains(out, sid) {
		t.Errorf("expected %s in active list, got: %s", sid, out)
	}

	out, err := run(t, "hello there\n", "chat", sid)
	if err != nil {
		t.Fatalf("chat failed: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Joined "+sid) {
		t.Errorf("unexpected chat output: %s", out)
	}
	waitFor(t, func() bool { return len(e.sb.Messages(sid)) > 0 })

	if out := mustRun(t, "rooms", "end", sid); !strings.Contains(out, "Ended session") {
		t.Errorf("unexpected end output: %s", out)
	}

	out = mustRun(t, "rooms", "show", sid)
	if !strings.Contains(out, "ended") || !strings.Contains(out, "Scout: hello there") {
		t.Errorf("unexpected show output: %s", out)
	}

	out = mustRun(t, "transcript", sid)
	if !strings.Contains(out, "hello there") || !strings.Contains(out, "Ledger: https://hashscan.io/") {
		t.Errorf("unexpected transcript output: %s", out)
	}

	if _, err := run(t, "", "rooms", "end", sid); err == nil {
		t.Error("expected ending an ended session to fail")
	}
}

func TestChatEndCommand(t *testing.T) {
	e := newCLIEnv(t)
	mustRun(t, "login", "-u", "cli", "-p", "pw")
	sid, err := e.sb.SeedSession(e.a, e.b)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	out, err := run(t, "\n/end\n", "chat", sid)
	if err != nil {
		t.Fatalf("chat failed: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Session ended.") {
		t.Errorf("unexpected chat output: %s", out)
	}
	if out := mustRun(t, "rooms", "list", "--status", "ended"); !strings.Contains(out, sid) {
		t.Errorf("expected %s in ended list, got: %s", sid, out)
	}
}

func TestTranscriptGenerate(t *testing.T) {
	e := newCLIEnv(t)
	mustRun(t, "login", "-u", "cli", "-p", "pw")
	sid, err := e.sb.SeedSession(e.a, e.b)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if out := mustRun(t, "transcript", sid); !strings.Contains(out, "not available") {
		t.Errorf("expected transcript to be unavailable, got: %s", out)
	}
	if out := mustRun(t, "transcript", sid, "--generate"); !strings.Contains(out, "0 messages") {
		t.Errorf("unexpected generated transcript output: %s", out)
	}
}

func TestRoomsRejectMalformedSessionID(t *testing.T) {
	newCLIEnv(t)
	mustRun(t, "login", "-u", "cli", "-p", "pw")
	if _, err := run(t, "", "rooms", "show", "not-a-uuid"); err == nil {
		t.Error("expected malformed id to be rejected")
	}
}
