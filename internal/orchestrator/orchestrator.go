// Package orchestrator supervises tmux-backed terminal sessions opened
// against registered connections. It resolves credentials through the vault,
// enforces host trust and per-connection session limits, and owns every
// session status transition from active to a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anchorage-sh/anchorage/internal/audit"
	"github.com/anchorage-sh/anchorage/internal/database"
	"github.com/anchorage-sh/anchorage/internal/logutil"
	"github.com/anchorage-sh/anchorage/internal/metrics"
	"github.com/anchorage-sh/anchorage/internal/registry"
	"github.com/anchorage-sh/anchorage/internal/trust"
	"github.com/anchorage-sh/anchorage/internal/vault"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrSessionLimit is returned when a connection's max_sessions bound
	// would be exceeded. No session record is created.
	ErrSessionLimit = errors.New("session limit reached")

	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned for operations on a session that has
	// already reached a terminal state.
	ErrSessionTerminal = errors.New("session already in a terminal state")
)

// captureTimeout bounds a single capture call so a stuck worker can never
// wedge the supervision loop.
const captureTimeout = 10 * time.Second

const defaultCaptureInterval = 30

// CaptureOptions controls output capture for one session.
type CaptureOptions struct {
	IntervalS       int  `json:"capture_interval_s"`
	OnCommand       bool `json:"capture_on_command"`
	EmbedCommands   bool `json:"embed_commands"`
	EmbedScrollback bool `json:"embed_scrollback"`
}

// Orchestrator creates, tracks, and terminates sessions. Session creation,
// termination, and the max_sessions check for one connection serialize on a
// per-connection lock.
type Orchestrator struct {
	db       *gorm.DB
	vault    *vault.Vault
	trust    *trust.Store
	registry *registry.Registry
	runner   Runner
	audit    *audit.Queue // optional

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	live  map[string]*liveSession

	nowFn func() time.Time
}

// New creates an Orchestrator. The audit queue may be nil.
func New(db *gorm.DB, v *vault.Vault, ts *trust.Store, reg *registry.Registry, runner Runner, auditQ *audit.Queue) *Orchestrator {
	return &Orchestrator{
		db:       db,
		vault:    v,
		trust:    ts,
		registry: reg,
		runner:   runner,
		audit:    auditQ,
		locks:    make(map[string]*sync.Mutex),
		live:     make(map[string]*liveSession),
		nowFn:    time.Now,
	}
}

// liveSession is the in-memory side of an active session: the backing
// process, the capture buffer, and the terminal-state latch.
type liveSession struct {
	id           string
	connectionID string
	proc         Proc
	buf          *CaptureBuffer
	opts         CaptureOptions
	idleTimeout  time.Duration
	cancel       context.CancelFunc

	mu           sync.Mutex
	terminal     bool
	lastActivity time.Time
}

func (ls *liveSession) touch(now time.Time) {
	ls.mu.Lock()
	ls.lastActivity = now
	ls.mu.Unlock()
}

func (ls *liveSession) lastActivityAt() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastActivity
}

func (ls *liveSession) isTerminal() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.terminal
}

// markTerminal latches the terminal state. Only the first caller wins and
// gets to write the final status; everyone else becomes a no-op.
func (ls *liveSession) markTerminal() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.terminal {
		return false
	}
	ls.terminal = true
	return true
}

func (o *Orchestrator) connLock(connectionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[connectionID] = l
	}
	return l
}

func (o *Orchestrator) emit(ev audit.Event) {
	if o.audit != nil {
		o.audit.Emit(ev)
	}
}

// Open resolves the connection, its credential, and host trust, then starts
// a tmux-backed terminal and records the session. Any failure along the way
// aborts without leaving an active record behind.
func (o *Orchestrator) Open(ctx context.Context, connectionID string, cols, rows int, opts CaptureOptions) (*database.Session, error) {
	conn, err := o.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if opts.IntervalS <= 0 {
		opts.IntervalS = defaultCaptureInterval
	}

	var secret string
	if !conn.IsLocal && conn.AuthMethod != database.AuthAgent {
		if conn.CredentialID == nil {
			return nil, fmt.Errorf("connection %s has no credential", conn.ID)
		}
		secret, err = o.vault.ResolveSecret(ctx, *conn.CredentialID)
		if err != nil {
			o.registry.MarkError(conn.ID, err.Error())
			return nil, fmt.Errorf("resolve credential: %w", err)
		}
		o.emit(audit.Event{
			ConnectionID: conn.ID,
			EventType:    audit.EventCredentialResolved,
			Details:      fmt.Sprintf("credential %s", *conn.CredentialID),
		})
	}

	chain, err := o.registry.ResolveChain(conn)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy chain: %w", err)
	}

	// Each hop authenticates with its own credential, not the target's.
	hops := make([]Hop, 0, len(chain))
	for _, hc := range chain {
		hop := Hop{Conn: hc}
		if hc.AuthMethod != database.AuthAgent {
			if hc.CredentialID == nil {
				return nil, fmt.Errorf("proxy connection %s has no credential", hc.Name)
			}
			hop.Secret, err = o.vault.ResolveSecret(ctx, *hc.CredentialID)
			if err != nil {
				o.registry.MarkError(conn.ID, err.Error())
				return nil, fmt.Errorf("resolve credential for proxy %s: %w", hc.Name, err)
			}
		}
		hops = append(hops, hop)
	}

	spec := StartSpec{
		Conn:    conn,
		Chain:   hops,
		Secret:  secret,
		Cols:    cols,
		Rows:    rows,
		HostKey: o.trust.Callback(&conn.ID, conn.Namespace, conn.HostKeyPolicy),
	}

	// The count, the backend start, and the insert hold the per-connection
	// lock together so concurrent opens cannot slip past max_sessions.
	lock := o.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	if conn.MaxSessions > 0 {
		var active int64
		if err := o.db.Model(&database.Session{}).
			Where("connection_id = ? AND status = ?", conn.ID, database.SessionActive).
			Count(&active).Error; err != nil {
			return nil, fmt.Errorf("count active sessions: %w", err)
		}
		if active >= int64(conn.MaxSessions) {
			metrics.SessionsRejected.WithLabelValues("limit").Inc()
			return nil, fmt.Errorf("%w: %d of %d in use", ErrSessionLimit, active, conn.MaxSessions)
		}
	}

	proc, err := o.runner.Start(ctx, spec)
	if err != nil {
		o.registry.MarkError(conn.ID, err.Error())
		if errors.Is(err, trust.ErrKeyChanged) {
			o.emit(audit.Event{ConnectionID: conn.ID, EventType: audit.EventHostKeyMismatch, Details: err.Error()})
		}
		metrics.SessionsRejected.WithLabelValues("start").Inc()
		return nil, fmt.Errorf("open session: %w", err)
	}

	now := o.nowFn()
	sess := database.Session{
		ID:               uuid.New().String(),
		Namespace:        conn.Namespace,
		ConnectionID:     conn.ID,
		TmuxSessionName:  proc.SessionName(),
		WorkerID:         proc.WorkerID(),
		Status:           database.SessionActive,
		Cols:             cols,
		Rows:             rows,
		CaptureIntervalS: opts.IntervalS,
		CaptureOnCommand: opts.OnCommand,
		EmbedCommands:    opts.EmbedCommands,
		EmbedScrollback:  opts.EmbedScrollback,
		LastActivityAt:   now,
	}
	if err := o.db.Create(&sess).Error; err != nil {
		proc.Close()
		return nil, fmt.Errorf("create session record: %w", err)
	}

	o.registry.MarkConnected(conn.ID)

	superviseCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{
		id:           sess.ID,
		connectionID: conn.ID,
		proc:         proc,
		buf:          NewCaptureBuffer(0),
		opts:         opts,
		idleTimeout:  time.Duration(conn.IdleTimeoutS) * time.Second,
		cancel:       cancel,
		lastActivity: now,
	}
	o.mu.Lock()
	o.live[sess.ID] = ls
	o.mu.Unlock()

	go o.supervise(superviseCtx, ls)

	metrics.SessionsOpened.Inc()
	metrics.ActiveSessions.Inc()
	o.emit(audit.Event{
		ConnectionID: conn.ID,
		SessionID:    sess.ID,
		EventType:    audit.EventSessionStart,
		Details:      fmt.Sprintf("tmux %s on %s", sess.TmuxSessionName, logutil.SanitizeForLog(conn.Name)),
	})
	log.Printf("[orchestrator] opened session %s on connection %s (%dx%d)", sess.ID, conn.ID, cols, rows)

	return &sess, nil
}

// supervise runs the capture ticker and watches for backend exit. It stops
// when the session reaches a terminal state.
func (o *Orchestrator) supervise(ctx context.Context, ls *liveSession) {
	ticker := time.NewTicker(time.Duration(ls.opts.IntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ls.proc.Done():
			o.finalizeExit(ls, st)
			return
		case <-ticker.C:
			o.captureTick(ls)
			o.checkIdle(ls)
		}
	}
}

// captureTick captures the current pane contents into the session buffer.
// Safe to race with termination: once the session is terminal it no-ops.
func (o *Orchestrator) captureTick(ls *liveSession) {
	if ls.isTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	out, err := ls.proc.Capture(ctx)
	if err != nil {
		log.Printf("[orchestrator] capture failed for session %s: %v", ls.id, err)
		return
	}
	metrics.CaptureTicks.Inc()

	if ls.opts.EmbedScrollback {
		ls.buf.Write(out)
	} else {
		ls.buf.WriteSummary(out)
	}
}

func (o *Orchestrator) checkIdle(ls *liveSession) {
	if ls.idleTimeout <= 0 || ls.isTerminal() {
		return
	}
	if o.nowFn().Sub(ls.lastActivityAt()) > ls.idleTimeout {
		if err := o.Terminate(ls.id, "idle timeout"); err != nil {
			log.Printf("[orchestrator] idle termination of %s failed: %v", ls.id, err)
		}
	}
}

// SweepIdle checks every live session against its idle timeout. Called
// periodically by the scheduler in addition to each session's own ticker.
func (o *Orchestrator) SweepIdle() {
	o.mu.Lock()
	snapshot := make([]*liveSession, 0, len(o.live))
	for _, ls := range o.live {
		snapshot = append(snapshot, ls)
	}
	o.mu.Unlock()

	for _, ls := range snapshot {
		o.checkIdle(ls)
	}
}

// SubmitCommand sends a command line to the session's terminal, refreshing
// its activity clock and honoring capture_on_command.
func (o *Orchestrator) SubmitCommand(ctx context.Context, sessionID, command string) error {
	ls := o.liveSessionByID(sessionID)
	if ls == nil {
		// A recorded but finished session gets the terminal error, so the
		// caller can tell "ended" apart from "never existed".
		if sess, err := o.Get(sessionID); err == nil && sess.Status != database.SessionActive {
			return ErrSessionTerminal
		}
		return ErrSessionNotFound
	}
	if ls.isTerminal() {
		return ErrSessionTerminal
	}

	if ls.opts.EmbedCommands {
		ls.buf.Write([]byte("> " + command + "\n"))
	}

	if err := ls.proc.Send(ctx, command); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	now := o.nowFn()
	ls.touch(now)
	o.db.Model(&database.Session{}).Where("id = ?", sessionID).
		Update("last_activity_at", now)

	if ls.opts.OnCommand {
		o.captureTick(ls)
	}
	return nil
}

// Resize changes the terminal geometry for a live session.
func (o *Orchestrator) Resize(sessionID string, cols, rows int) error {
	ls := o.liveSessionByID(sessionID)
	if ls == nil {
		return ErrSessionNotFound
	}
	if ls.isTerminal() {
		return ErrSessionTerminal
	}
	if err := ls.proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session: %w", err)
	}
	o.db.Model(&database.Session{}).Where("id = ?", sessionID).
		Updates(map[string]interface{}{"cols": cols, "rows": rows})
	return nil
}

// Terminate closes a session with a normal termination status. It is safe
// to call concurrently with capture ticks, idle checks, and backend exit:
// the first transition wins and later calls are no-ops.
func (o *Orchestrator) Terminate(sessionID, reason string) error {
	ls := o.liveSessionByID(sessionID)
	if ls == nil {
		// Not live: either unknown, already terminal, or orphaned by a
		// restart. An orphaned active row is closed directly.
		var sess database.Session
		err := o.db.Where("id = ?", sessionID).First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess.Status != database.SessionActive {
			return nil
		}
		// Orphaned rows were never counted in this process's gauge.
		return o.writeTerminal(sessionID, sess.ConnectionID, database.SessionTerminated, intPtr(0), "", reason, false)
	}

	if !ls.markTerminal() {
		return nil
	}
	ls.cancel()
	ls.proc.Close()
	ls.buf.Close()
	o.dropLive(sessionID)

	return o.writeTerminal(sessionID, ls.connectionID, database.SessionTerminated, intPtr(0), "", reason, true)
}

// finalizeExit records the backend's own exit. A clean exit terminates the
// session with its exit code; anything else moves it to the error state
// with the message preserved.
func (o *Orchestrator) finalizeExit(ls *liveSession, st ExitStatus) {
	if !ls.markTerminal() {
		return
	}
	ls.cancel()
	ls.buf.Close()
	o.dropLive(ls.id)

	if st.Err != nil {
		o.writeTerminal(ls.id, ls.connectionID, database.SessionError, nil, st.Err.Error(), "transport failure", true)
		return
	}
	o.writeTerminal(ls.id, ls.connectionID, database.SessionTerminated, intPtr(st.Code), "", "exited", true)
}

// writeTerminal performs the single, final status write for a session.
// wasLive says whether this process supervised the session; only then does
// the active gauge come down.
func (o *Orchestrator) writeTerminal(sessionID, connectionID, status string, exitCode *int, errMsg, reason string, wasLive bool) error {
	now := o.nowFn()
	updates := map[string]interface{}{
		"status":        status,
		"terminated_at": &now,
	}
	if exitCode != nil {
		updates["exit_code"] = *exitCode
	}
	if errMsg != "" {
		updates["error_message"] = logutil.SanitizeForLog(errMsg)
	}
	if err := o.db.Model(&database.Session{}).
		Where("id = ? AND status = ?", sessionID, database.SessionActive).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	if wasLive {
		metrics.ActiveSessions.Dec()
	}
	metrics.SessionsTerminated.WithLabelValues(status).Inc()

	event := audit.EventSessionEnd
	if status == database.SessionError {
		event = audit.EventSessionError
	}
	o.emit(audit.Event{
		ConnectionID: connectionID,
		SessionID:    sessionID,
		EventType:    event,
		Details:      reason,
	})
	log.Printf("[orchestrator] session %s -> %s (%s)", sessionID, status, logutil.SanitizeForLog(reason))
	return nil
}

func (o *Orchestrator) liveSessionByID(sessionID string) *liveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live[sessionID]
}

func (o *Orchestrator) dropLive(sessionID string) {
	o.mu.Lock()
	delete(o.live, sessionID)
	o.mu.Unlock()
}

// Get returns a session record by id.
func (o *Orchestrator) Get(sessionID string) (*database.Session, error) {
	var sess database.Session
	err := o.db.Where("id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// List returns session records, optionally filtered by namespace and
// connection.
func (o *Orchestrator) List(namespace, connectionID string) ([]database.Session, error) {
	q := o.db.Order("started_at DESC")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if connectionID != "" {
		q = q.Where("connection_id = ?", connectionID)
	}
	var sessions []database.Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Buffer returns the live capture buffer for attach streaming, or
// ErrSessionNotFound when the session is not live.
func (o *Orchestrator) Buffer(sessionID string) (*CaptureBuffer, error) {
	ls := o.liveSessionByID(sessionID)
	if ls == nil {
		return nil, ErrSessionNotFound
	}
	return ls.buf, nil
}

// LiveCount returns the number of sessions currently supervised.
func (o *Orchestrator) LiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

func intPtr(v int) *int { return &v }
