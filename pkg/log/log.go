// Package log provides the debug logging hook used throughout the SDK.
// Logging is off by default; callers that want debug output install their
// own logger via SetLogger. The standard library's log package and most
// logging frameworks satisfy Interface with a thin adapter.
package log

// Interface is implemented by anything that can receive debug output.
type Interface interface {
	// Debugf logs v using a format string.
	Debugf(format string, v ...interface{})
}

var logger Interface = nop{}

// SetLogger installs l as the debug logger and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the configured logger, if any.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled returns true if a logger has been installed via SetLogger.
func DebugEnabled() bool {
	switch logger.(type) {
	case nop, nil:
		return false
	default:
		return true
	}
}

type nop struct{}

func (nop) Debugf(string, ...interface{}) {}
