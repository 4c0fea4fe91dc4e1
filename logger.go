package ddosguard

import (
	"github.com/oarkflow/log"
)

// NewLogger returns the structured logger used across the defense pipeline.
// Components receive it by value and attach their own context fields.
func NewLogger(level log.Level) log.Logger {
	return log.Logger{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		Writer: &log.ConsoleWriter{
			ColorOutput:    true,
			EndWithMessage: true,
		},
	}
}
