package eventloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// writeErrorRates throttles write-failure logging per stream: a peer that
// went away fails every queued request at once.
var writeErrorRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

func newWriteErrorLimiter() *catrate.Limiter {
	return catrate.NewLimiter(writeErrorRates)
}

// logEvent starts a log entry carrying the loop's identity. Safe with a nil
// logger: builders are nil and every call becomes a no-op.
func (l *Loop) logEvent(level logiface.Level) *logiface.Builder[logiface.Event] {
	return l.opts.logger.Build(level).Uint64("loop", l.id)
}

// logEvent starts a log entry carrying the stream's identity.
func (s *Stream) logEvent(level logiface.Level) *logiface.Builder[logiface.Event] {
	b := s.loop.logEvent(level).
		Uint64("stream", s.id).
		Str("kind", s.kind.String())
	if s.child != nil && s.child.pid != 0 {
		b = b.Int("pid", s.child.pid)
	}
	return b
}
