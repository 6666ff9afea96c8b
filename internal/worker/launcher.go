package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/rs/zerolog/log"
)

// EnvTitleSecret carries the title secret to a worker without putting it
// on the command line.
const EnvTitleSecret = "CSCTL_TITLE_SECRET"

var ErrLaunch = errors.New("worker: launch failed")

// Spec describes one worker to start.
type Spec struct {
	BundlePath       string
	TitleID          string
	TitleSecret      string
	IdleTimeout      time.Duration
	ExecutionTimeout time.Duration
}

// Args is the worker subcommand line for s, with bundle standing in for
// the bundle path the worker should load.
func (s Spec) Args(bundle string) []string {
	args := []string{"worker", "--bundle", bundle}
	if s.TitleID != "" {
		args = append(args, "--title-id", s.TitleID)
	}
	if s.IdleTimeout > 0 {
		args = append(args, "--idle-timeout", s.IdleTimeout.String())
	}
	if s.ExecutionTimeout > 0 {
		args = append(args, "--execution-timeout", s.ExecutionTimeout.String())
	}
	return args
}

// Handle is a running worker as seen by its owner.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the worker exits. Call it only after Stdout and
	// Stderr have been drained.
	Wait() error
	// Kill terminates the worker. It is safe to call more than once.
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// LocalLauncher runs the worker as a child process of Executable, which
// defaults to the running binary.
type LocalLauncher struct {
	Executable string
}

func (LocalLauncher) Name() string { return "local" }

func (l LocalLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve executable: %v", ErrLaunch, err)
		}
		exe = self
	}
	cmd := exec.Command(exe, spec.Args(spec.BundlePath)...)
	cmd.Env = append(os.Environ(),
		EnvTitleSecret+"="+spec.TitleSecret,
		"CSCTL_LOG_NOCOLOR=true",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %v", ErrLaunch, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %v", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr: %v", ErrLaunch, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrLaunch, exe, err)
	}
	log.Debug().Str("exe", exe).Int("pid", cmd.Process.Pid).Str("bundle", spec.BundlePath).Msg("worker.LocalLauncher started")
	return &processHandle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	kill   sync.Once
}

func (h *processHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *processHandle) Stdout() io.Reader     { return h.stdout }
func (h *processHandle) Stderr() io.Reader     { return h.stderr }
func (h *processHandle) Wait() error           { return h.cmd.Wait() }

func (h *processHandle) Kill() error {
	var err error
	h.kill.Do(func() {
		_ = h.stdin.Close()
		if h.cmd.Process != nil {
			if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
		}
	})
	return err
}

// PipeLauncher runs the worker loop on goroutines inside the current
// process, connected through pipes. Output framing is identical to a
// child process.
type PipeLauncher struct {
	API              dispatch.API
	ExecutionTimeout time.Duration
}

func (PipeLauncher) Name() string { return "pipe" }

func (l PipeLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	execTimeout := spec.ExecutionTimeout
	if execTimeout <= 0 {
		execTimeout = l.ExecutionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &pipeHandle{stdin: inW, stdout: outR, stderr: errR, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		h.err = Run(ctx, Config{
			BundlePath:       spec.BundlePath,
			TitleID:          spec.TitleID,
			IdleTimeout:      spec.IdleTimeout,
			ExecutionTimeout: execTimeout,
			API:              l.API,
		}, inR, outW)
		if h.err != nil && !errors.Is(h.err, ErrIdleTimeout) {
			fmt.Fprintln(errW, h.err.Error())
		}
		_ = inR.Close()
		_ = outW.Close()
		_ = errW.Close()
	}()
	return h, nil
}

type pipeHandle struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	stderr *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *pipeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *pipeHandle) Stdout() io.Reader     { return h.stdout }
func (h *pipeHandle) Stderr() io.Reader     { return h.stderr }

func (h *pipeHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *pipeHandle) Kill() error {
	h.cancel()
	return h.stdin.Close()
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}
	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}
	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
