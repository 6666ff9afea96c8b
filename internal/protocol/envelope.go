package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Message types. Worker stdout uses response, error-log, playfab-log and
// log. The relay socket adds create, request, ping, pong and error.
const (
	TypeCreate     = "create"
	TypeRequest    = "request"
	TypeResponse   = "response"
	TypeErrorLog   = "error-log"
	TypePlayFabLog = "playfab-log"
	TypeLog        = "log"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
)

// KeepAlive is the bare line an owner writes to a worker to hold it open.
const KeepAlive = "1"

// MaxLineBytes bounds a single framed message.
const MaxLineBytes = 64 << 20

// Envelope is the typed message frame. Only fields relevant to Type are set.
type Envelope struct {
	Type        string          `json:"type"`
	RequestID   uint64          `json:"requestId,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	TitleID     string          `json:"titleId,omitempty"`
	TitleSecret string          `json:"titleSecret,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, requestID uint64, data any) (Envelope, error) {
	env := Envelope{Type: typ, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, typ, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeEnvelope parses one framed line. Lines that are not JSON objects
// with a type field are rejected so callers can treat them as plain text.
func DecodeEnvelope(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Envelope{}, ErrInvalidEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

// TextData returns the payload as a string whether it was sent as a JSON
// string or as any other JSON value.
func (e Envelope) TextData() string {
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// WriteLine writes v as compact JSON followed by a newline.
func WriteLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ReadLine reads one newline-terminated frame without the delimiter.
// A final unterminated line is returned with io.EOF deferred to the
// next call.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	return ReadLineLimit(r, MaxLineBytes)
}

// ReadLineLimit is ReadLine bounded by limit bytes, delimiter included.
// An oversized line is skipped through its newline without being held in
// memory and reported as ErrMessageTooLarge; the stream stays framed.
func ReadLineLimit(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLarge := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLarge {
			if len(line)+len(chunk) > limit {
				tooLarge, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLarge:
			return nil, ErrMessageTooLarge
		case err == nil, err == io.EOF && len(line) > 0:
			return bytes.TrimRight(line, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// CompactLine returns raw JSON as a single line suitable for line framing.
func CompactLine(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return buf.Bytes(), nil
}
