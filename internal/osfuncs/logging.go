package osfuncs

import (
	"fmt"

	"github.com/joeycumines/logiface"
	zlog "github.com/joeycumines/logiface/zerolog"
	"github.com/rs/zerolog"
)

// logifaceLogger adapts a logiface.Logger (backed by zerolog) to the
// Logger interface the stack runtime uses for diagnostics. logiface is the
// structured-logging framework this package's own dependency graph already
// pulls in for its zerolog binding; kv pairs are passed through as
// alternating key/value fields the same way the chain-builder API expects.
type logifaceLogger struct {
	l *logiface.Logger[*zlog.Event]
}

// NewZerologLogger builds a Logger that writes structured events through
// zerolog via logiface.
func NewZerologLogger(z zerolog.Logger) Logger {
	return &logifaceLogger{l: zlog.L.New(zlog.L.WithZerolog(z))}
}

func (d *logifaceLogger) Log(level LogLevel, msg string, kv ...any) {
	var b *logiface.Builder[*zlog.Event]
	switch level {
	case LogDebug:
		b = d.l.Debug()
	case LogWarn:
		b = d.l.Warning()
	case LogError:
		b = d.l.Err()
	default:
		b = d.l.Info()
	}
	if b == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			key = fmt.Sprintf("%v", kv[i])
		}
		switch v := kv[i+1].(type) {
		case string:
			b = b.Str(key, v)
		case error:
			b = b.Err(v)
		case fmt.Stringer:
			b = b.Stringer(key, v)
		default:
			b = b.Str(key, fmt.Sprintf("%v", v))
		}
	}
	b.Log(msg)
}
