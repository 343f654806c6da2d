package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Launcher starts one engine run.
type Launcher interface {
	Launch(ctx context.Context, l Layout) (Process, error)
}

// Process is a running engine. Output goes to the layout's log files, never
// to an in-memory pipe.
type Process interface {
	// Poll reports the exit code once the engine has exited. It never blocks
	// waiting for exit.
	Poll(ctx context.Context) (code int, exited bool, err error)
	Kill(ctx context.Context) error
	// Close releases output handles after exit. It is safe to call twice.
	Close() error
}

// ExecLauncher runs the engine as a local child process.
type ExecLauncher struct {
	// Command is the engine entrypoint, e.g. ["python", "main.py"].
	Command []string
	// WorkDir is the engine checkout; empty means the session directory.
	WorkDir string
	Env     []string
}

// Launch implements Launcher.
func (e *ExecLauncher) Launch(_ context.Context, l Layout) (Process, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("engine command is empty")
	}

	stdout, err := os.Create(l.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(l.StderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	args := append(append([]string(nil), e.Command[1:]...), "-c", l.ConfigPath, "-n", "1")
	// The engine must outlive the request that created it.
	cmd := exec.Command(e.Command[0], args...) //nolint:gosec // command comes from server configuration
	cmd.Dir = e.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = l.Dir
	}
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	p := &execProcess{cmd: cmd, files: []*os.File{stdout, stderr}, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	files []*os.File
	done  chan struct{}
	code  int
	once  sync.Once
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	default:
		p.code = -1
	}
	close(p.done)
}

func (p *execProcess) Poll(context.Context) (int, bool, error) {
	select {
	case <-p.done:
		return p.code, true, nil
	default:
		return 0, false, nil
	}
}

func (p *execProcess) Kill(context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	return nil
}

func (p *execProcess) Close() error {
	var errs []error
	p.once.Do(func() {
		for _, f := range p.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
