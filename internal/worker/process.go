package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrStartup     = errors.New("worker: startup failed")
	ErrIdleTimeout = errors.New("worker: idle timeout")
)

// Config is the worker side configuration.
type Config struct {
	BundlePath       string
	TitleID          string
	IdleTimeout      time.Duration
	ExecutionTimeout time.Duration
	API              dispatch.API
}

// Run loads the bundle and serves requests read from in until in closes,
// ctx ends, or nothing arrives for IdleTimeout. A bundle that fails to
// load is reported once on out and returned as ErrStartup.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	outbox := newOutbox(out)
	defer outbox.close()

	d, err := dispatch.LoadFile(cfg.BundlePath, dispatch.Options{
		API:       cfg.API,
		Sink:      outbox,
		Timeout:   cfg.ExecutionTimeout,
		TitleID:   cfg.TitleID,
		Transport: "worker",
	})
	if err != nil {
		outbox.ErrorLog(protocol.ErrorRecord{Code: "CompileFailure", Message: err.Error()})
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	log.Info().Str("bundle", cfg.BundlePath).Int("handlers", len(d.Handlers())).Msg("worker.Run loaded")

	done := make(chan struct{})
	defer close(done)
	inbound := make(chan []byte)
	go readInbound(in, inbound, done)

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(cfg.IdleTimeout)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			log.Warn().Dur("idle_timeout", cfg.IdleTimeout).Msg("worker.Run idle, exiting")
			return ErrIdleTimeout
		case line, ok := <-inbound:
			if !ok {
				return nil
			}
			resetIdle()
			serveLine(ctx, d, outbox, line)
			// Handler time counts as activity.
			resetIdle()
		}
	}
}

func readInbound(in io.Reader, inbound chan<- []byte, done <-chan struct{}) {
	defer close(inbound)
	r := bufio.NewReaderSize(in, 64*1024)
	for {
		line, err := protocol.ReadLine(r)
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			log.Warn().Int("limit", protocol.MaxLineBytes).Msg("worker.readInbound oversized line dropped")
			continue
		}
		if err != nil {
			if !closedInput(err) {
				log.Error().Err(err).Msg("worker.readInbound failed")
			}
			return
		}
		select {
		case inbound <- line:
		case <-done:
			return
		}
	}
}

// closedInput reports whether err only means the input went away.
func closedInput(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func serveLine(ctx context.Context, d *dispatch.Dispatcher, outbox *outbox, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || string(line) == protocol.KeepAlive {
		return
	}
	var req protocol.ExecutionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		log.Warn().Err(err).Msg("worker.serveLine malformed request dropped")
		return
	}
	if req.RequestID == 0 {
		log.Warn().Str("function", req.FunctionName).Msg("worker.serveLine request without id dropped")
		return
	}
	resp := d.Execute(ctx, req)
	outbox.send(protocol.TypeResponse, req.RequestID, resp)
}

// outbox serializes every outbound message through one writer goroutine.
// It implements dispatch.Sink so handler output shares the same stream.
type outbox struct {
	ch     chan []byte
	wg     sync.WaitGroup
	closed sync.Once
}

func newOutbox(w io.Writer) *outbox {
	o := &outbox{ch: make(chan []byte, 64)}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for line := range o.ch {
			if _, err := w.Write(line); err != nil {
				log.Error().Err(err).Msg("worker.outbox write failed")
			}
		}
	}()
	return o
}

func (o *outbox) send(typ string, requestID uint64, data any) {
	env, err := protocol.NewEnvelope(typ, requestID, data)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("worker.outbox encode failed")
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("worker.outbox encode failed")
		return
	}
	o.ch <- append(payload, '\n')
}

func (o *outbox) close() {
	o.closed.Do(func() {
		close(o.ch)
		o.wg.Wait()
	})
}

func (o *outbox) Log(level, message string) {
	if level == "error" || level == "warn" {
		message = level + ": " + message
	}
	o.send(protocol.TypeLog, 0, message)
}

func (o *outbox) ErrorLog(rec protocol.ErrorRecord) {
	o.send(protocol.TypeErrorLog, 0, rec)
}

func (o *outbox) PlayFabLog(rec protocol.PlayFabLogRecord) {
	o.send(protocol.TypePlayFabLog, 0, rec)
}
