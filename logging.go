package shardpool

import (
	"os"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

var loggingConfigureOnce sync.Once

// newLogger returns a zerolog.Logger configured the way
// mycelian-ai-mycelian-memory/server/internal/logger/logger.go configures
// its process logger, scoped here to a single pool/queue instance via the
// "component" field instead of a process-wide "service" field.
func newLogger(component string) zerolog.Logger {
	configureErrorMarshalling()

	return zerolog.New(os.Stdout).With().
		Str("component", component).
		Timestamp().
		Logger()
}

// configureErrorMarshalling wires pkg/errors stack traces into zerolog's
// error marshalling, once per process, matching logger.New's approach.
func configureErrorMarshalling() {
	loggingConfigureOnce.Do(func() {
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
			if _, ok := err.(stackTracer); !ok {
				err = pkgerrors.WithStack(err)
			}
			return zpkgerrors.MarshalStack(err)
		}
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
			if _, ok := err.(stackTracer); ok {
				return err
			}
			return pkgerrors.WithStack(err)
		}
	})
}
