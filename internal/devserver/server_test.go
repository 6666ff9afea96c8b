package devserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/csctl/internal/correlate"
	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/playfab"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/danmuck/csctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExecutor struct {
	last   protocol.ExecutionRequest
	resp   protocol.ExecutionResponse
	err    error
	closed bool
}

func (f *fakeExecutor) Execute(_ context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResponse, error) {
	f.last = req
	return f.resp, f.err
}

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}

func post(t *testing.T, h http.Handler, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeOK(t *testing.T, rec *httptest.ResponseRecorder) protocol.ExecutionResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Code   int                        `json:"code"`
		Status string                     `json:"status"`
		Data   protocol.ExecutionResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != 200 || env.Status != "OK" {
		t.Fatalf("unexpected envelope %d %q", env.Code, env.Status)
	}
	return env.Data
}

func TestExecuteUsesTicketIdentity(t *testing.T) {
	testlog.Start(t)
	s := NewServer(Options{})
	exec := &fakeExecutor{resp: protocol.ExecutionResponse{FunctionName: "f", FunctionResult: json.RawMessage(`1`)}}
	s.SetExecutor(exec)

	rec := post(t, s.Handler(), "/Client/ExecuteCloudScript", `{"FunctionName":"f","FunctionParameter":{"a":1}}`,
		http.Header{AuthorizationHeader: []string{"A1B2C3-xyz-session"}})
	resp := decodeOK(t, rec)
	if string(resp.FunctionResult) != "1" {
		t.Fatalf("unexpected result %s", resp.FunctionResult)
	}
	if exec.last.PlayFabID != "A1B2C3" || string(exec.last.FunctionParameter) != `{"a":1}` {
		t.Fatalf("unexpected forwarded request %+v", exec.last)
	}

	token := base64.StdEncoding.EncodeToString([]byte(`x|y|{"ec":"title_player_account!T/T/E77"}`))
	post(t, s.Handler(), "/Client/ExecuteCloudScript", `{"FunctionName":"f"}`, http.Header{AuthorizationHeader: []string{token}})
	if exec.last.PlayFabID != "E77" {
		t.Fatalf("entity token identity not used, got %q", exec.last.PlayFabID)
	}

	post(t, s.Handler(), "/Server/ExecuteCloudScript", `{"FunctionName":"f","PlayFabId":"SRV"}`, http.Header{AuthorizationHeader: []string{"IGNORED-x"}})
	if exec.last.PlayFabID != "SRV" {
		t.Fatalf("server route should use body identity, got %q", exec.last.PlayFabID)
	}
}

func TestExecuteStatusMapping(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		exec   Executor
		body   string
		status int
	}{
		{name: "malformed body", exec: &fakeExecutor{}, body: `{"FunctionName":`, status: http.StatusBadRequest},
		{name: "missing function name", exec: &fakeExecutor{}, body: `{}`, status: http.StatusBadRequest},
		{name: "no executor", exec: nil, body: `{"FunctionName":"f"}`, status: http.StatusServiceUnavailable},
		{name: "timeout", exec: &fakeExecutor{err: correlate.ErrTimeout}, body: `{"FunctionName":"f"}`, status: http.StatusGatewayTimeout},
		{name: "transport failure", exec: &fakeExecutor{err: errors.New("boom")}, body: `{"FunctionName":"f"}`, status: http.StatusBadGateway},
	}
	for _, tc := range tests {
		s := NewServer(Options{})
		if tc.exec != nil {
			s.SetExecutor(tc.exec)
		}
		rec := post(t, s.Handler(), "/Client/ExecuteCloudScript", tc.body, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		var apiErr playfab.APIError
		if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil || apiErr.Code != tc.status {
			t.Fatalf("%s: unexpected error body %s", tc.name, rec.Body.String())
		}
	}
}

func TestUnknownFunctionIsOKWithNotFoundPayload(t *testing.T) {
	testlog.Start(t)
	d, err := dispatch.Load("bundle.js", "var handlers = {};\nhandlers.f = function () { return 1; };\nhandlers;\n", dispatch.Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := NewServer(Options{})
	s.SetExecutor(NewInProcess(d))

	resp := decodeOK(t, post(t, s.Handler(), "/Client/ExecuteCloudScript", `{"FunctionName":"nope"}`, nil))
	if resp.Error == nil || resp.Error.Error != protocol.ErrorNotFound {
		t.Fatalf("expected not found payload, got %+v", resp.Error)
	}
}

func TestSetExecutorReturnsPrevious(t *testing.T) {
	s := NewServer(Options{})
	a, b := &fakeExecutor{}, &fakeExecutor{}
	if prev := s.SetExecutor(a); prev != nil {
		t.Fatalf("expected no previous executor")
	}
	if prev := s.SetExecutor(b); prev != Executor(a) {
		t.Fatalf("expected previous executor a")
	}
	if s.swapIf(a, nil) {
		t.Fatalf("swapIf should not replace a superseded executor")
	}
	if !s.swapIf(b, nil) {
		t.Fatalf("swapIf should replace the current executor")
	}
}

func TestOtherRoutesAreProxied(t *testing.T) {
	testlog.Start(t)
	var gotPath, gotHeader, gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotHeader = r.Header.Get(AuthorizationHeader)
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":418}`))
	}))
	defer backend.Close()

	api := playfab.NewClient("T", "S", playfab.WithBaseURL(backend.URL))
	defer api.Close()
	s := NewServer(Options{Forwarder: api})

	req := httptest.NewRequest(http.MethodPost, "/Client/GetUserData?x=1", bytes.NewBufferString(`{"Keys":["a"]}`))
	req.Header.Set(AuthorizationHeader, "ticket")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot || rec.Header().Get("X-Backend") != "yes" || rec.Body.String() != `{"code":418}` {
		t.Fatalf("unexpected proxied reply %d %v %s", rec.Code, rec.Header(), rec.Body.String())
	}
	if gotPath != "/Client/GetUserData?x=1" || gotHeader != "ticket" || gotBody != `{"Keys":["a"]}` {
		t.Fatalf("unexpected upstream request path=%q header=%q body=%q", gotPath, gotHeader, gotBody)
	}
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"loaded":false`) {
		t.Fatalf("unexpected health reply %d %s", rec.Code, rec.Body.String())
	}
}
