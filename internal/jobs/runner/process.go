//go:build unix

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/testerman/testerman/internal/common/logger"
	"go.uber.org/zap"
)

// ProcessRunner executes TEs as direct child processes.
//
// Each TE gets its own process group so that a kill reaches everything
// the executable forked, local probes included. TEs are deliberately NOT
// tied to the server's lifetime: if the server dies, running TEs keep
// going and their jobs are marked crashed on the next restore.
type ProcessRunner struct {
	log *logger.Logger
}

// NewProcessRunner builds the default TE runner.
func NewProcessRunner(log *logger.Logger) *ProcessRunner {
	return &ProcessRunner{log: log.WithFields(zap.String("component", "te-runner"))}
}

// Start implements Runner.
func (r *ProcessRunner) Start(ctx context.Context, req StartRequest) (Process, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("empty TE command line")
	}
	cmd := exec.Command(req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start test executable: %w", err)
	}
	r.log.Info("test executable started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("executable", req.Args[0]),
		zap.String("dir", req.Dir))
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Signal(sig Signal) error {
	pid := p.cmd.Process.Pid
	switch sig {
	case SignalPause:
		return syscall.Kill(pid, syscall.SIGSTOP)
	case SignalResume:
		return syscall.Kill(pid, syscall.SIGCONT)
	case SignalInterrupt:
		return syscall.Kill(pid, syscall.SIGINT)
	case SignalActionPerformed:
		return syscall.Kill(pid, syscall.SIGUSR1)
	case SignalKill:
		// The whole process group: the TE may have forked probes.
		return syscall.Kill(-pid, syscall.SIGKILL)
	default:
		return fmt.Errorf("unsupported signal %q", sig)
	}
}

func (p *osProcess) Wait() (ExitStatus, error) {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Signal: int(ws.Signal()), Signaled: true}, nil
			}
			return ExitStatus{Code: ws.ExitStatus()}, nil
		}
		return ExitStatus{Code: exitErr.ExitCode()}, nil
	}
	return ExitStatus{}, fmt.Errorf("wait on test executable: %w", err)
}
