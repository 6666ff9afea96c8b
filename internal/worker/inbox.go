package worker

import (
	"github.com/danmuck/csctl/internal/correlate"
	"github.com/danmuck/csctl/internal/dispatch"
	"github.com/danmuck/csctl/internal/protocol"
	"github.com/rs/zerolog"
)

// Inbox routes worker output on the owning side. Responses are matched to
// pending calls; everything else is logged with bundle positions mapped
// back to source files.
type Inbox struct {
	pending  *correlate.Table[protocol.ExecutionResponse]
	rewriter dispatch.StackRewriter
	logger   zerolog.Logger
}

func NewInbox(pending *correlate.Table[protocol.ExecutionResponse], rewriter dispatch.StackRewriter, logger zerolog.Logger) *Inbox {
	return &Inbox{pending: pending, rewriter: rewriter, logger: logger}
}

// HandleLine routes one raw line. Lines that are not envelopes are logged
// as plain worker output.
func (in *Inbox) HandleLine(line []byte) {
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		if len(line) > 0 {
			in.logger.Info().Msg(string(line))
		}
		return
	}
	in.Handle(env)
}

// Handle routes one decoded envelope.
func (in *Inbox) Handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		var resp protocol.ExecutionResponse
		if err := env.DecodeData(&resp); err != nil {
			in.logger.Warn().Err(err).Uint64("request_id", env.RequestID).Msg("worker.Inbox malformed response")
			return
		}
		if resp.Error != nil {
			resp.Error.StackTrace = in.rewrite(resp.Error.StackTrace)
		}
		if !in.pending.Resolve(env.RequestID, resp) {
			in.logger.Debug().Uint64("request_id", env.RequestID).Msg("worker.Inbox dropped late or unknown response")
		}
	case protocol.TypeErrorLog:
		var rec protocol.ErrorRecord
		if err := env.DecodeData(&rec); err != nil {
			in.logger.Error().Msg(env.TextData())
			return
		}
		in.logger.Error().Str("code", rec.Code).Str("stack", in.rewrite(rec.Stack)).Msg(rec.Message)
	case protocol.TypePlayFabLog:
		var rec protocol.PlayFabLogRecord
		if err := env.DecodeData(&rec); err != nil {
			in.logger.Info().Msg(env.TextData())
			return
		}
		event := in.logger.WithLevel(dispatch.LogLevel(rec.Level)).Str("source", "playfab")
		if len(rec.Data) > 0 {
			event = event.RawJSON("data", rec.Data)
		}
		if rec.Stack != "" {
			event = event.Str("stack", in.rewrite(rec.Stack))
		}
		event.Msg(rec.Message)
	case protocol.TypeLog:
		in.logger.Info().Msg(env.TextData())
	case protocol.TypeError:
		in.logger.Warn().Msg(in.rewrite(env.TextData()))
	default:
		in.logger.Debug().Str("type", env.Type).Msg("worker.Inbox ignored message")
	}
}

func (in *Inbox) rewrite(trace string) string {
	if in.rewriter == nil {
		return trace
	}
	return in.rewriter.RewriteStack(trace)
}
