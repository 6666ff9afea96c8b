package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/protocol"
	"github.com/danmuck/csctl/internal/testutil/testlog"
)

const workerScript = `var handlers = {};
handlers.echo = function (args) {
  log.info("echo called");
  return { args: args, player: currentPlayerId };
};
handlers.boom = function () {
  throw new Error("boom");
};
handlers.slow = function (args) {
  var end = Date.now() + args.ms;
  while (Date.now() < end) {}
  return "done";
};
handlers;
`

func writeBundle(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudscript.js")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

type runHarness struct {
	in   *io.PipeWriter
	out  *bufio.Reader
	done chan error
}

func startRun(t *testing.T, cfg Config) *runHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &runHarness{in: inW, out: bufio.NewReader(outR), done: make(chan error, 1)}
	go func() {
		err := Run(context.Background(), cfg, inR, outW)
		outW.Close()
		h.done <- err
	}()
	t.Cleanup(func() {
		inW.Close()
		go io.Copy(io.Discard, outR)
	})
	return h
}

func (h *runHarness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(h.in, line+"\n"); err != nil {
		t.Fatalf("write line: %v", err)
	}
}

func (h *runHarness) next(t *testing.T) protocol.Envelope {
	t.Helper()
	line, err := protocol.ReadLine(h.out)
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return env
}

// nextResponse skips log traffic until a response arrives.
func (h *runHarness) nextResponse(t *testing.T) (uint64, protocol.ExecutionResponse) {
	t.Helper()
	for {
		env := h.next(t)
		if env.Type != protocol.TypeResponse {
			continue
		}
		var resp protocol.ExecutionResponse
		if err := env.DecodeData(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return env.RequestID, resp
	}
}

func TestRunServesRequestsInOrder(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, workerScript), IdleTimeout: 5 * time.Second})

	h.send(t, protocol.KeepAlive)
	h.send(t, `{"requestId":7,"FunctionName":"echo","FunctionParameter":{"n":1},"PlayFabId":"P1"}`)
	h.send(t, `{"requestId":9,"FunctionName":"boom"}`)

	id, resp := h.nextResponse(t)
	if id != 7 || resp.Error != nil {
		t.Fatalf("unexpected first response id=%d err=%+v", id, resp.Error)
	}
	var result struct {
		Args   map[string]int `json:"args"`
		Player string         `json:"player"`
	}
	if err := json.Unmarshal(resp.FunctionResult, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Args["n"] != 1 || result.Player != "P1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Message != "echo called" {
		t.Fatalf("unexpected logs: %+v", resp.Logs)
	}

	id, resp = h.nextResponse(t)
	if id != 9 || resp.Error == nil || resp.Error.Error != protocol.ErrorRuntime {
		t.Fatalf("unexpected second response id=%d err=%+v", id, resp.Error)
	}

	h.in.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("expected clean exit on stdin close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit after stdin closed")
	}
}

func TestRunDropsMalformedAndUnidentifiedRequests(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, workerScript), IdleTimeout: 5 * time.Second})

	h.send(t, `not json`)
	h.send(t, `{"FunctionName":"echo"}`)
	h.send(t, `{"requestId":3,"FunctionName":"missing"}`)

	id, resp := h.nextResponse(t)
	if id != 3 {
		t.Fatalf("expected only request 3 to be answered, got %d", id)
	}
	if resp.Error == nil || resp.Error.Error != protocol.ErrorNotFound {
		t.Fatalf("expected not found, got %+v", resp.Error)
	}
}

func TestRunReportsStartupFailureOnce(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, "var handlers = {;\n"), IdleTimeout: time.Second})

	env := h.next(t)
	if env.Type != protocol.TypeErrorLog {
		t.Fatalf("expected error-log, got %q", env.Type)
	}
	var rec protocol.ErrorRecord
	if err := env.DecodeData(&rec); err != nil {
		t.Fatalf("decode error-log: %v", err)
	}
	if rec.Code != "CompileFailure" || rec.Message == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := protocol.ReadLine(h.out); !errors.Is(err, io.EOF) {
		t.Fatalf("expected stream to end after the failure, got %v", err)
	}
	if err := <-h.done; !errors.Is(err, ErrStartup) {
		t.Fatalf("expected ErrStartup, got %v", err)
	}
}

func TestRunExitsWhenIdle(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, workerScript), IdleTimeout: 50 * time.Millisecond})

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrIdleTimeout) {
			t.Fatalf("expected ErrIdleTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not exit when idle")
	}
}

func TestKeepAliveHoldsOffIdleTimeout(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, workerScript), IdleTimeout: 150 * time.Millisecond})

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		h.send(t, protocol.KeepAlive)
	}
	select {
	case err := <-h.done:
		t.Fatalf("worker exited despite keep-alives: %v", err)
	default:
	}
	h.send(t, `{"requestId":1,"FunctionName":"echo"}`)
	if id, _ := h.nextResponse(t); id != 1 {
		t.Fatalf("unexpected response id %d", id)
	}
}

func TestLongHandlerDoesNotRaceIdleTimer(t *testing.T) {
	testlog.Start(t)
	h := startRun(t, Config{BundlePath: writeBundle(t, workerScript), IdleTimeout: 100 * time.Millisecond})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := io.WriteString(h.in, protocol.KeepAlive+"\n"); err != nil {
					return
				}
			}
		}
	}()

	for i := uint64(1); i <= 3; i++ {
		h.send(t, fmt.Sprintf(`{"requestId":%d,"FunctionName":"slow","FunctionParameter":{"ms":250}}`, i))
		if id, resp := h.nextResponse(t); id != i || resp.Error != nil {
			t.Fatalf("slow call %d: id=%d err=%+v", i, id, resp.Error)
		}
	}
	select {
	case err := <-h.done:
		t.Fatalf("worker exited while kept alive: %v", err)
	default:
	}
}

func TestClosedInputIsNotAnError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{io.ErrClosedPipe, true},
		{fmt.Errorf("read stdin: %w", os.ErrClosed), true},
		{protocol.ErrMessageTooLarge, false},
		{errors.New("disk on fire"), false},
	}
	for _, tc := range cases {
		if got := closedInput(tc.err); got != tc.want {
			t.Fatalf("closedInput(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
