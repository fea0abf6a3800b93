package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anchorage-sh/anchorage/internal/crypto"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/metrics"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/anchorage-sh/anchorage/internal/trust"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fakeProc is an in-memory Proc backing tests without any SSH transport.
type fakeProc struct {
	name   string
	output []byte

	mu     sync.Mutex
	sent   []string
	closed bool

	done chan ExitStatus
}

func newFakeProc(name string, output string) *fakeProc {
	return &fakeProc{name: name, output: []byte(output), done: make(chan ExitStatus, 1)}
}

func (p *fakeProc) SessionName() string { return p.name }
func (p *fakeProc) WorkerID() string    { return "fake-worker" }

func (p *fakeProc) Capture(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.output))
	copy(out, p.output)
	return out, nil
}

func (p *fakeProc) Send(ctx context.Context, input string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("proc closed")
	}
	p.sent = append(p.sent, input)
	return nil
}

func (p *fakeProc) Resize(cols, rows int) error { return nil }

func (p *fakeProc) Done() <-chan ExitStatus { return p.done }

func (p *fakeProc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProc) exit(st ExitStatus) { p.done <- st }

func (p *fakeProc) sentCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// fakeRunner hands out fakeProcs and optionally fails or stalls.
type fakeRunner struct {
	mu       sync.Mutex
	procs    []*fakeProc
	specs    []StartSpec
	output   string
	startErr error
	delay    time.Duration
	started  atomic.Int64
}

func (r *fakeRunner) Start(ctx context.Context, spec StartSpec) (Proc, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.startErr != nil {
		return nil, r.startErr
	}
	n := r.started.Add(1)
	p := newFakeProc(fmt.Sprintf("fake-%d", n), r.output)
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRunner) lastProc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func (r *fakeRunner) lastSpec() StartSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.specs) == 0 {
		return StartSpec{}
	}
	return r.specs[len(r.specs)-1]
}

// newTestOrchestrator builds the full stack over one in-memory database.
func newTestOrchestrator(t *testing.T, runner Runner) (*Orchestrator, *registry.Registry, *vault.Vault) {
	t.Helper()
	db := setupTestDB(t)
	key, err := crypto.ParseMasterKey(strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("parse master key: %v", err)
	}
	v := vault.New(db, key)
	reg := registry.New(db)
	o := New(db, v, trust.NewStore(db), reg, runner, nil)
	return o, reg, v
}

func localConnection(t *testing.T, reg *registry.Registry, p registry.Params) *database.Connection {
	t.Helper()
	if p.Name == "" {
		p.Name = "local"
	}
	p.IsLocal = true
	conn, err := reg.Create(p)
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

// waitForStatus polls until the session leaves the active state.
func waitForStatus(t *testing.T, db *gorm.DB, sessionID, want string) database.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var sess database.Session
		if err := db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			t.Fatalf("load session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %q", sessionID, want)
	return database.Session{}
}

func TestOpenCreatesActiveSession(t *testing.T) {
	runner := &fakeRunner{output: "$ "}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 120, 40, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Status != database.SessionActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}
	if sess.Cols != 120 || sess.Rows != 40 {
		t.Fatalf("geometry = %dx%d, want 120x40", sess.Cols, sess.Rows)
	}
	if sess.TmuxSessionName == "" || sess.WorkerID != "fake-worker" {
		t.Fatalf("backend identity missing: %+v", sess)
	}
	if o.LiveCount() != 1 {
		t.Fatalf("live count = %d, want 1", o.LiveCount())
	}

	got, _ := reg.Get(conn.ID)
	if got.LastConnectedAt == nil {
		t.Fatal("connection not marked connected")
	}
}

func TestOpenUnknownConnection(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeRunner{})
	if _, err := o.Open(context.Background(), "no-such-id", 0, 0, CaptureOptions{}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected registry.ErrNotFound, got %v", err)
	}
}

func TestOpenRunnerFailureMarksError(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("dial tcp: connection refused")}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	if _, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{}); err == nil {
		t.Fatal("expected open to fail")
	}

	var count int64
	o.db.Model(&database.Session{}).Count(&count)
	if count != 0 {
		t.Fatalf("%d session rows after failed open, want 0", count)
	}
	got, _ := reg.Get(conn.ID)
	if !strings.Contains(got.LastError, "connection refused") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestOpenResolvesCredential(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, v := newTestOrchestrator(t, runner)

	cred, err := v.Create(vault.CreateParams{Name: "pw", Kind: database.CredentialPassword, Secret: "hunter2"})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	conn, err := reg.Create(registry.Params{
		Name: "web-1", Host: "web-1.example.com", Username: "deploy",
		AuthMethod: database.AuthPassword, CredentialID: &cred.ID,
		HostKeyPolicy: database.PolicyInsecure,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	if _, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{}); err != nil {
		t.Fatalf("open: %v", err)
	}
}

func TestOpenResolvesProxyHopCredentials(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, v := newTestOrchestrator(t, runner)

	hopCred, err := v.Create(vault.CreateParams{Name: "bastion-pw", Kind: database.CredentialPassword, Secret: "bastion-secret"})
	if err != nil {
		t.Fatalf("create hop credential: %v", err)
	}
	targetCred, err := v.Create(vault.CreateParams{Name: "web-pw", Kind: database.CredentialPassword, Secret: "target-secret"})
	if err != nil {
		t.Fatalf("create target credential: %v", err)
	}

	bastion, err := reg.Create(registry.Params{
		Name: "bastion", Host: "bastion.example.com", Username: "jump",
		AuthMethod: database.AuthPassword, CredentialID: &hopCred.ID,
		HostKeyPolicy: database.PolicyInsecure,
	})
	if err != nil {
		t.Fatalf("create bastion: %v", err)
	}
	target, err := reg.Create(registry.Params{
		Name: "web-1", Host: "web-1.example.com", Username: "deploy",
		AuthMethod: database.AuthPassword, CredentialID: &targetCred.ID,
		ProxyJumpID: &bastion.ID, HostKeyPolicy: database.PolicyInsecure,
	})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}

	if _, err := o.Open(context.Background(), target.ID, 0, 0, CaptureOptions{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// The hop authenticates with its own credential, not the target's.
	spec := runner.lastSpec()
	if len(spec.Chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(spec.Chain))
	}
	if spec.Chain[0].Conn.ID != bastion.ID || spec.Chain[0].Secret != "bastion-secret" {
		t.Fatalf("hop = %s with secret %q, want the bastion's own credential",
			spec.Chain[0].Conn.Name, spec.Chain[0].Secret)
	}
	if spec.Secret != "target-secret" {
		t.Fatalf("target secret = %q", spec.Secret)
	}
}

func TestOpenCredentialFailureAborts(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, v := newTestOrchestrator(t, runner)

	cred, err := v.Create(vault.CreateParams{Name: "broken", Kind: database.CredentialCommand, Command: "exit 1"})
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	conn, err := reg.Create(registry.Params{
		Name: "web-1", Host: "web-1.example.com", Username: "deploy",
		AuthMethod: database.AuthPassword, CredentialID: &cred.ID,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	_, err = o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if !errors.Is(err, vault.ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	if runner.started.Load() != 0 {
		t.Fatal("runner started despite credential failure")
	}
	got, _ := reg.Get(conn.ID)
	if got.LastError == "" {
		t.Fatal("credential failure not recorded on connection")
	}
}

func TestMaxSessionsUnderConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 5 * time.Millisecond}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{MaxSessions: 2})

	const attempts = 8
	var wg sync.WaitGroup
	var opened, limited atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
			switch {
			case err == nil:
				opened.Add(1)
			case errors.Is(err, ErrSessionLimit):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if opened.Load() != 2 {
		t.Fatalf("%d sessions opened, want exactly 2", opened.Load())
	}
	if limited.Load() != attempts-2 {
		t.Fatalf("%d rejections, want %d", limited.Load(), attempts-2)
	}

	var active int64
	o.db.Model(&database.Session{}).Where("status = ?", database.SessionActive).Count(&active)
	if active != 2 {
		t.Fatalf("%d active rows, want 2", active)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := o.Terminate(sess.ID, "test"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	final := waitForStatus(t, o.db, sess.ID, database.SessionTerminated)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", final.ExitCode)
	}
	if final.TerminatedAt == nil {
		t.Fatal("terminated_at not set")
	}
	firstStamp := *final.TerminatedAt

	// Second terminate is a no-op, not an error, and does not rewrite.
	if err := o.Terminate(sess.ID, "again"); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	var again database.Session
	o.db.Where("id = ?", sess.ID).First(&again)
	if !again.TerminatedAt.Equal(firstStamp) {
		t.Fatal("terminal state was rewritten")
	}
	if o.LiveCount() != 0 {
		t.Fatalf("live count = %d after terminate", o.LiveCount())
	}
}

func TestTerminateOrphanedRowKeepsGauge(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, &fakeRunner{})
	conn := localConnection(t, reg, registry.Params{})

	// An active row with no live process, as left behind by a restart.
	orphan := database.Session{
		ID: "orphan-1", Namespace: "default", ConnectionID: conn.ID,
		TmuxSessionName: "anchorage-1", Status: database.SessionActive,
		Cols: 80, Rows: 24, CaptureIntervalS: 30, LastActivityAt: time.Now(),
	}
	if err := o.db.Create(&orphan).Error; err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	before := testutil.ToFloat64(metrics.ActiveSessions)
	if err := o.Terminate(orphan.ID, "restart cleanup"); err != nil {
		t.Fatalf("terminate orphan: %v", err)
	}
	if after := testutil.ToFloat64(metrics.ActiveSessions); after != before {
		t.Fatalf("active gauge moved from %v to %v on an orphaned row", before, after)
	}

	var final database.Session
	o.db.Where("id = ?", orphan.ID).First(&final)
	if final.Status != database.SessionTerminated {
		t.Fatalf("status = %q, want terminated", final.Status)
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeRunner{})
	if err := o.Terminate("no-such-id", "test"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBackendExitClean(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	runner.lastProc().exit(ExitStatus{Code: 0})
	final := waitForStatus(t, o.db, sess.ID, database.SessionTerminated)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", final.ExitCode)
	}
}

func TestBackendExitError(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	runner.lastProc().exit(ExitStatus{Code: -1, Err: errors.New("keepalive failed: broken pipe")})
	final := waitForStatus(t, o.db, sess.ID, database.SessionError)
	if !strings.Contains(final.ErrorMessage, "keepalive failed") {
		t.Fatalf("error_message = %q", final.ErrorMessage)
	}
	if final.ExitCode != nil {
		t.Fatalf("exit code = %v on error state, want nil", final.ExitCode)
	}
}

func TestTerminateWinsOverExit(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := o.Terminate(sess.ID, "test"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// A late exit report must not overwrite the terminated state.
	runner.lastProc().exit(ExitStatus{Code: -1, Err: errors.New("late failure")})
	time.Sleep(50 * time.Millisecond)

	var final database.Session
	o.db.Where("id = ?", sess.ID).First(&final)
	if final.Status != database.SessionTerminated {
		t.Fatalf("status = %q, want terminated", final.Status)
	}
	if final.ErrorMessage != "" {
		t.Fatalf("error_message = %q on terminated session", final.ErrorMessage)
	}
}

func TestSubmitCommand(t *testing.T) {
	runner := &fakeRunner{output: "line1\nline2\n"}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{
		OnCommand:     true,
		EmbedCommands: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := o.SubmitCommand(context.Background(), sess.ID, "uptime"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	proc := runner.lastProc()
	if cmds := proc.sentCommands(); len(cmds) != 1 || cmds[0] != "uptime" {
		t.Fatalf("sent commands = %v", cmds)
	}

	buf, err := o.Buffer(sess.ID)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	content := string(buf.Snapshot())
	if !strings.Contains(content, "> uptime\n") {
		t.Fatalf("command not embedded, buffer = %q", content)
	}
	// capture_on_command pulled the pane contents immediately.
	if !strings.Contains(content, "line2") {
		t.Fatalf("on-command capture missing, buffer = %q", content)
	}
}

func TestSubmitCommandAfterTerminate(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := o.Terminate(sess.ID, "test"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := o.SubmitCommand(context.Background(), sess.ID, "uptime"); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal after terminate, got %v", err)
	}
	if err := o.SubmitCommand(context.Background(), "no-such-id", "uptime"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown id, got %v", err)
	}
}

func TestIdleSweepTerminates(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{IdleTimeoutS: 60})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Not idle yet.
	o.SweepIdle()
	var mid database.Session
	o.db.Where("id = ?", sess.ID).First(&mid)
	if mid.Status != database.SessionActive {
		t.Fatalf("swept too early: %q", mid.Status)
	}

	// Jump the clock past the idle window.
	o.nowFn = func() time.Time { return time.Now().Add(2 * time.Minute) }
	o.SweepIdle()
	waitForStatus(t, o.db, sess.ID, database.SessionTerminated)
}

func TestSubmitCommandResetsIdleClock(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{IdleTimeoutS: 60})

	sess, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Activity 50s in: pushes the idle horizon out past the sweep below.
	o.nowFn = func() time.Time { return time.Now().Add(50 * time.Second) }
	if err := o.SubmitCommand(context.Background(), sess.ID, "uptime"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	o.nowFn = func() time.Time { return time.Now().Add(90 * time.Second) }
	o.SweepIdle()
	var mid database.Session
	o.db.Where("id = ?", sess.ID).First(&mid)
	if mid.Status != database.SessionActive {
		t.Fatalf("session swept despite recent activity: %q", mid.Status)
	}
}

func TestCaptureSummaryVsFull(t *testing.T) {
	output := ""
	for i := 1; i <= 25; i++ {
		output += fmt.Sprintf("line-%d\n", i)
	}
	runner := &fakeRunner{output: output}
	o, reg, _ := newTestOrchestrator(t, runner)
	conn := localConnection(t, reg, registry.Params{})

	// Summary mode keeps only the trailing lines of each capture.
	summary, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{})
	if err != nil {
		t.Fatalf("open summary: %v", err)
	}
	o.captureTick(o.liveSessionByID(summary.ID))
	buf, _ := o.Buffer(summary.ID)
	content := string(buf.Snapshot())
	if strings.Contains(content, "line-1\n") {
		t.Fatalf("summary capture kept early lines: %q", content)
	}
	if !strings.Contains(content, "line-25") {
		t.Fatalf("summary capture missing tail: %q", content)
	}

	// Full scrollback keeps everything.
	full, err := o.Open(context.Background(), conn.ID, 0, 0, CaptureOptions{EmbedScrollback: true})
	if err != nil {
		t.Fatalf("open full: %v", err)
	}
	o.captureTick(o.liveSessionByID(full.ID))
	buf, _ = o.Buffer(full.ID)
	content = string(buf.Snapshot())
	if !strings.Contains(content, "line-1\n") || !strings.Contains(content, "line-25") {
		t.Fatalf("full capture incomplete: %q", content)
	}
}

func TestListFilters(t *testing.T) {
	runner := &fakeRunner{}
	o, reg, _ := newTestOrchestrator(t, runner)
	a := localConnection(t, reg, registry.Params{Name: "a"})
	b := localConnection(t, reg, registry.Params{Name: "b"})

	if _, err := o.Open(context.Background(), a.ID, 0, 0, CaptureOptions{}); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if _, err := o.Open(context.Background(), b.ID, 0, 0, CaptureOptions{}); err != nil {
		t.Fatalf("open b: %v", err)
	}

	all, err := o.List("", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("%d sessions, want 2", len(all))
	}
	onlyA, err := o.List("", a.ID)
	if err != nil {
		t.Fatalf("list by connection: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].ConnectionID != a.ID {
		t.Fatalf("filtered list = %v", onlyA)
	}
}
