package engine

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// logger is shared by the background workers that log (checkpointer
// and redo flusher). Request-path code does
// not log, matching the teacher's habit of keeping the hot path free
// of logging calls.
var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

func log() *zerolog.Logger {
	loggerOnce.Do(func() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Str("component", "tupl").Logger()
	})
	return &logger
}
