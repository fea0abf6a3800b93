package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// startLocal creates a detached tmux session on this machine, for
// connections marked is_local.
func (r *TmuxRunner) startLocal(ctx context.Context, spec StartSpec) (Proc, error) {
	name := fmt.Sprintf("anchorage-%d", time.Now().UnixNano())

	args := []string{"new-session", "-d", "-s", name,
		"-x", fmt.Sprintf("%d", spec.Cols), "-y", fmt.Sprintf("%d", spec.Rows)}
	for k, v := range spec.Conn.Env {
		args = append(args, "-e", k+"="+v)
	}
	if out, err := exec.CommandContext(ctx, "tmux", args...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("create local tmux session: %v: %s", err, out)
	}

	host, _ := os.Hostname()
	p := &localProc{
		name:     name,
		workerID: host,
		done:     make(chan ExitStatus, 1),
		stop:     make(chan struct{}),
	}

	poll := r.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	go p.supervise(poll)
	return p, nil
}

// localProc is the local-machine counterpart of tmuxProc: same tmux
// commands, run through exec instead of an SSH session.
type localProc struct {
	name     string
	workerID string
	done     chan ExitStatus
	stop     chan struct{}
}

func (p *localProc) SessionName() string { return p.name }
func (p *localProc) WorkerID() string    { return p.workerID }

func (p *localProc) Capture(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", p.name).Output()
}

func (p *localProc) Send(ctx context.Context, input string) error {
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", p.name, "-l", input).Run(); err != nil {
		return err
	}
	return exec.CommandContext(ctx, "tmux", "send-keys", "-t", p.name, "Enter").Run()
}

func (p *localProc) Resize(cols, rows int) error {
	return exec.Command("tmux", "resize-window", "-t", p.name,
		"-x", fmt.Sprintf("%d", cols), "-y", fmt.Sprintf("%d", rows)).Run()
}

func (p *localProc) Done() <-chan ExitStatus { return p.done }

func (p *localProc) Close() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	return exec.Command("tmux", "kill-session", "-t", p.name).Run()
}

func (p *localProc) supervise(poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.done <- ExitStatus{Code: 0}
			return
		case <-ticker.C:
			if err := exec.Command("tmux", "has-session", "-t", p.name).Run(); err != nil {
				p.done <- ExitStatus{Code: 0}
				return
			}
		}
	}
}
