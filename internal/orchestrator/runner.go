package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anchorage-sh/anchorage/internal/database"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ExitStatus is the result of a finished terminal process.
type ExitStatus struct {
	Code int
	Err  error
}

// Proc is one live tmux-backed terminal on a worker. All blocking methods
// take a context so the orchestrator never hangs on a single session.
type Proc interface {
	// SessionName is the tmux session name backing the terminal.
	SessionName() string
	// WorkerID identifies the worker process hosting the terminal.
	WorkerID() string
	// Capture returns the current pane contents.
	Capture(ctx context.Context) ([]byte, error)
	// Send submits input to the terminal.
	Send(ctx context.Context, input string) error
	// Resize changes the terminal dimensions.
	Resize(cols, rows int) error
	// Done is closed with the exit status when the terminal ends.
	Done() <-chan ExitStatus
	// Close tears the terminal down.
	Close() error
}

// Hop is one proxy-jump link in dial order, carrying the secret resolved for
// that hop's own credential.
type Hop struct {
	Conn   database.Connection
	Secret string
}

// StartSpec carries everything a runner needs to bring up a terminal for a
// connection: the resolved secret, the proxy chain in dial order, and the
// host key callback wired to the trust store.
type StartSpec struct {
	Conn   *database.Connection
	Chain  []Hop
	Secret string
	Cols   int
	Rows   int

	// HostKey is consulted for the target and every proxy hop.
	HostKey ssh.HostKeyCallback
}

// Runner starts terminal processes. The production implementation drives
// tmux over SSH; tests substitute a fake.
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (Proc, error)
}

// TmuxRunner is the production Runner: it dials the connection (through its
// proxy chain), then creates and supervises a detached tmux session on the
// remote side.
type TmuxRunner struct {
	// PollInterval is how often the runner checks that the tmux session is
	// still alive. Defaults to 10s.
	PollInterval time.Duration
}

func NewTmuxRunner() *TmuxRunner {
	return &TmuxRunner{PollInterval: 10 * time.Second}
}

func (r *TmuxRunner) authMethods(conn *database.Connection, secret string) ([]ssh.AuthMethod, error) {
	switch conn.AuthMethod {
	case database.AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case database.AuthPassword:
		return []ssh.AuthMethod{ssh.Password(secret)}, nil
	case database.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("agent auth: SSH_AUTH_SOCK not set")
		}
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("agent auth: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers)}, nil
	default:
		return nil, fmt.Errorf("unknown auth method %q", conn.AuthMethod)
	}
}

// dial connects to the target, hopping through the proxy chain in order.
// Each hop authenticates with its own credential; every hop is verified
// against the same host key callback.
func (r *TmuxRunner) dial(spec StartSpec) (*ssh.Client, error) {
	cfg := func(conn *database.Connection, secret string) (*ssh.ClientConfig, error) {
		auth, err := r.authMethods(conn, secret)
		if err != nil {
			return nil, err
		}
		return &ssh.ClientConfig{
			User:            conn.Username,
			Auth:            auth,
			HostKeyCallback: spec.HostKey,
			Timeout:         time.Duration(conn.ConnectTimeoutS) * time.Second,
		}, nil
	}

	var client *ssh.Client
	for i := range spec.Chain {
		hop := &spec.Chain[i]
		hopCfg, err := cfg(&hop.Conn, hop.Secret)
		if err != nil {
			return nil, fmt.Errorf("proxy jump %s: %w", hop.Conn.Name, err)
		}
		addr := net.JoinHostPort(hop.Conn.Host, fmt.Sprintf("%d", hop.Conn.Port))
		if client == nil {
			client, err = ssh.Dial("tcp", addr, hopCfg)
		} else {
			client, err = dialThrough(client, addr, hopCfg)
		}
		if err != nil {
			return nil, fmt.Errorf("proxy jump %s: %w", hop.Conn.Name, err)
		}
	}

	targetCfg, err := cfg(spec.Conn, spec.Secret)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(spec.Conn.Host, fmt.Sprintf("%d", spec.Conn.Port))
	if client == nil {
		client, err = ssh.Dial("tcp", addr, targetCfg)
	} else {
		client, err = dialThrough(client, addr, targetCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return client, nil
}

// dialThrough opens a TCP channel over an established client and completes
// the SSH handshake to the next hop.
func dialThrough(via *ssh.Client, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	netConn, err := via.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

// Start dials the connection and creates a detached tmux session sized to
// the requested geometry. Local connections skip the transport and drive
// tmux on this machine directly.
func (r *TmuxRunner) Start(ctx context.Context, spec StartSpec) (Proc, error) {
	if spec.Conn.IsLocal {
		return r.startLocal(ctx, spec)
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := r.dial(spec)
		ch <- dialResult{c, err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		client = res.client
	}

	name := fmt.Sprintf("anchorage-%d", time.Now().UnixNano())
	cmd := fmt.Sprintf("tmux new-session -d -s %s -x %d -y %d", name, spec.Cols, spec.Rows)
	for k, v := range spec.Conn.Env {
		cmd += " -e " + shellQuote(k+"="+v)
	}
	if _, err := runRemote(client, cmd); err != nil {
		client.Close()
		return nil, fmt.Errorf("create tmux session: %w", err)
	}

	p := &tmuxProc{
		client:   client,
		name:     name,
		workerID: spec.Conn.Host,
		done:     make(chan ExitStatus, 1),
		stop:     make(chan struct{}),
	}

	poll := r.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	go p.supervise(poll, time.Duration(spec.Conn.KeepaliveInterval)*time.Second)
	return p, nil
}

// shellQuote wraps s in single quotes so the remote login shell hands it to
// tmux verbatim, with no expansion of $, backticks, or backslashes. Embedded
// single quotes are closed, escaped, and reopened.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runRemote runs one command over a fresh SSH session and returns its output.
func runRemote(client *ssh.Client, cmd string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	return sess.Output(cmd)
}

type tmuxProc struct {
	client   *ssh.Client
	name     string
	workerID string
	done     chan ExitStatus
	stop     chan struct{}
}

func (p *tmuxProc) SessionName() string { return p.name }
func (p *tmuxProc) WorkerID() string    { return p.workerID }

func (p *tmuxProc) Capture(ctx context.Context) ([]byte, error) {
	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := runRemote(p.client, fmt.Sprintf("tmux capture-pane -p -t %s", p.name))
		ch <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.out, res.err
	}
}

func (p *tmuxProc) Send(ctx context.Context, input string) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := runRemote(p.client, fmt.Sprintf("tmux send-keys -t %s -l %s", p.name, shellQuote(input)))
		if err == nil {
			_, err = runRemote(p.client, fmt.Sprintf("tmux send-keys -t %s Enter", p.name))
		}
		ch <- result{err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.err
	}
}

func (p *tmuxProc) Resize(cols, rows int) error {
	_, err := runRemote(p.client, fmt.Sprintf("tmux resize-window -t %s -x %d -y %d", p.name, cols, rows))
	return err
}

func (p *tmuxProc) Done() <-chan ExitStatus { return p.done }

func (p *tmuxProc) Close() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	runRemote(p.client, fmt.Sprintf("tmux kill-session -t %s", p.name))
	return p.client.Close()
}

// supervise polls the remote tmux session and reports the exit status when
// it goes away. SSH-level keepalives keep the transport from silently dying
// behind NATs.
func (p *tmuxProc) supervise(poll, keepalive time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var keepaliveC <-chan time.Time
	if keepalive > 0 {
		kt := time.NewTicker(keepalive)
		defer kt.Stop()
		keepaliveC = kt.C
	}

	for {
		select {
		case <-p.stop:
			p.done <- ExitStatus{Code: 0}
			return
		case <-keepaliveC:
			if _, _, err := p.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				p.done <- ExitStatus{Code: -1, Err: fmt.Errorf("keepalive failed: %w", err)}
				return
			}
		case <-ticker.C:
			if _, err := runRemote(p.client, fmt.Sprintf("tmux has-session -t %s", p.name)); err != nil {
				// Session gone: a clean tmux exit, not a transport failure.
				p.done <- ExitStatus{Code: 0}
				return
			}
		}
	}
}
