package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/csctl/internal/observability"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("worker: supervisor stopped")

// Stream names the worker pipe a line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of worker output.
type Line struct {
	Stream Stream
	Data   []byte
}

// Supervisor owns one launched worker. Lines delivers its output until
// both pipes close; Done closes once the worker has exited.
type Supervisor struct {
	handle  Handle
	logger  zerolog.Logger
	writeMu sync.Mutex

	lines    chan Line
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	exitErr  error
}

// Start launches a worker and begins pumping its output. A positive
// keepAlive sends the keep-alive line on that interval.
func Start(ctx context.Context, launcher Launcher, spec Spec, keepAlive time.Duration) (*Supervisor, error) {
	handle, err := launcher.Launch(ctx, spec)
	observability.RecordWorkerSpawn(launcher.Name(), err == nil)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		handle: handle,
		logger: observability.Component("worker.supervisor").With().Str("launcher", launcher.Name()).Logger(),
		lines:  make(chan Line, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(StreamStdout, handle.Stdout(), &readers)
	go s.pump(StreamStderr, handle.Stderr(), &readers)
	go func() {
		readers.Wait()
		close(s.lines)
		s.exitErr = handle.Wait()
		if s.exitErr != nil && !s.stopped.Load() {
			s.logger.Warn().Err(s.exitErr).Msg("worker.Supervisor worker exited")
		} else {
			s.logger.Debug().Msg("worker.Supervisor worker exited")
		}
		close(s.done)
	}()
	if keepAlive > 0 {
		go s.keepAlive(keepAlive)
	}
	return s, nil
}

func (s *Supervisor) pump(stream Stream, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		data, err := protocol.ReadLine(br)
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			s.logger.Warn().Str("stream", stream.String()).Msg("worker.Supervisor oversized line dropped")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopped.Load() {
				s.logger.Debug().Err(err).Str("stream", stream.String()).Msg("worker.Supervisor pump ended")
			}
			return
		}
		select {
		case s.lines <- Line{Stream: stream, Data: data}:
		case <-s.stop:
			// Nobody is listening anymore; keep draining so the worker
			// never blocks on a full pipe.
		}
	}
}

func (s *Supervisor) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Send([]byte(protocol.KeepAlive)); err != nil {
				return
			}
		}
	}
}

// Lines delivers worker output. It closes when both pipes have closed.
func (s *Supervisor) Lines() <-chan Line {
	return s.lines
}

// Done closes after the worker process has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err is the worker's exit error. It is valid once Done has closed.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// Send writes one line to the worker's stdin.
func (s *Supervisor) Send(line []byte) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := s.handle.Stdin().Write(buf); err != nil {
		return err
	}
	return nil
}

// Stop kills the worker and waits briefly for it to exit. It is
// idempotent.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
		_ = s.handle.Stdin().Close()
		if err := s.handle.Kill(); err != nil {
			s.logger.Warn().Err(err).Msg("worker.Supervisor kill failed")
		}
	})
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.logger.Warn().Msg("worker.Supervisor stop timed out waiting for exit")
	}
	return nil
}
