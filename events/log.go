package events

import "github.com/rs/zerolog"

// LogObserver writes events as structured log lines. Rejections stay at
// debug; the server already logs them with a rate limit.
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Observe(ev Event) {
	var e *zerolog.Event
	switch ev.Kind {
	case Connect, Disconnect, CommandMatched, Unrecognized:
		e = o.logger.Info()
	default:
		e = o.logger.Debug()
	}
	if !e.Enabled() {
		return
	}
	e = e.Uint64("session", ev.SessionID)
	if ev.Remote != "" {
		e = e.Str("remote", ev.Remote)
	}
	switch ev.Kind {
	case FrameReceived:
		e = e.Int("len", ev.FrameLen).Hex("fp", fingerprintBytes(ev.Fingerprint))
	case CommandMatched:
		e = e.Str("command", ev.Command).Str("name", ev.Name).Str("status", ev.Status)
	case Unrecognized:
		e = e.Hex("fp", fingerprintBytes(ev.Fingerprint))
		if ev.Suggestion != "" {
			e = e.Str("suggestion", ev.Suggestion)
		}
	case ResponseSent:
		e = e.Int("len", ev.ResponseLen).Str("command", ev.Command)
	case Disconnect:
		e = e.Int("exchanges", ev.Exchanges).Str("reason", ev.Reason)
		if ev.Err != "" {
			e = e.Str("error", ev.Err)
		}
	case Rejected:
		e = e.Str("reason", ev.Reason)
	}
	e.Msg(string(ev.Kind))
}

func fingerprintBytes(fp uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(fp)
		fp >>= 8
	}
	return b
}
