package protocol

import "encoding/json"

// Script error codes carried in ExecutionResponse.Error.Error.
const (
	ErrorNotFound = "CloudScriptNotFound"
	ErrorRuntime  = "JavascriptException"
	ErrorUnknown  = "Unknown"
)

// ExecutionRequest names one handler invocation. RequestID is zero for
// in-process calls and set by the correlator when the call crosses a
// process or socket boundary.
type ExecutionRequest struct {
	RequestID         uint64          `json:"requestId,omitempty"`
	FunctionName      string          `json:"FunctionName"`
	FunctionParameter json.RawMessage `json:"FunctionParameter,omitempty"`
	PlayFabID         string          `json:"PlayFabId,omitempty"`
}

// LogEntry is one log.* call recorded during an execution.
type LogEntry struct {
	Level   string          `json:"Level"`
	Message string          `json:"Message"`
	Data    json.RawMessage `json:"Data,omitempty"`
}

// ScriptError describes a handler failure. StackTrace is empty for
// missing handlers.
type ScriptError struct {
	Error      string `json:"Error"`
	Message    string `json:"Message"`
	StackTrace string `json:"StackTrace"`
}

// ExecutionResponse mirrors the hosted platform's execution result.
type ExecutionResponse struct {
	FunctionName         string          `json:"FunctionName"`
	Revision             int             `json:"Revision"`
	FunctionResult       json.RawMessage `json:"FunctionResult"`
	APIRequestsIssued    int             `json:"APIRequestsIssued"`
	HttpRequestsIssued   int             `json:"HttpRequestsIssued"`
	ExecutionTimeSeconds float64         `json:"ExecutionTimeSeconds"`
	Logs                 []LogEntry      `json:"Logs"`
	Error                *ScriptError    `json:"Error"`
}

// Outcome classifies a response for metrics and logs.
func (r ExecutionResponse) Outcome() string {
	if r.Error == nil {
		return "ok"
	}
	switch r.Error.Error {
	case ErrorNotFound:
		return "not_found"
	case ErrorRuntime:
		return "runtime_exception"
	default:
		return "unknown"
	}
}

// ErrorRecord is the payload of an error-log message.
type ErrorRecord struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// PlayFabLogRecord is the payload of a playfab-log message.
type PlayFabLogRecord struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}
