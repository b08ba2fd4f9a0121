package logging

import (
	"github.com/rollbar/rollbar-go"
)

// RollbarOptions configures the Rollbar notifier.
type RollbarOptions struct {
	Token       string
	Environment string
	ServerHost  string
	CodeVersion string
}

// RollbarLogger reports to Rollbar and mirrors every line to a StdLogger.
// Debug lines are reported only when std has debug output enabled.
type RollbarLogger struct {
	std    *StdLogger
	report func(level string, args ...interface{})
}

var _ Logger = (*RollbarLogger)(nil)

// NewRollbarLogger configures the global Rollbar client and wraps std.
func NewRollbarLogger(std *StdLogger, opts RollbarOptions) *RollbarLogger {
	rollbar.SetToken(opts.Token)
	rollbar.SetEnvironment(opts.Environment)
	rollbar.SetServerHost(opts.ServerHost)
	rollbar.SetCodeVersion(opts.CodeVersion)
	return &RollbarLogger{std: std, report: rollbar.Log}
}

// Enable toggles reporting to Rollbar; local output is unaffected.
func (l *RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// prepare turns args into rollbar's expected shape: msg, then an optional
// error and a map of extras.
func (l *RollbarLogger) prepare(msg string, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, msg)
	extras := map[string]interface{}{}
	for _, arg := range args {
		switch v := arg.(type) {
		case Fields:
			for k, val := range v {
				extras[k] = val
			}
		case error:
			out = append(out, v)
		default:
			out = append(out, v)
		}
	}
	if len(extras) > 0 {
		out = append(out, extras)
	}
	return out
}

func (l *RollbarLogger) Debug(msg string, args ...interface{}) {
	if !l.std.debug {
		return
	}
	l.report(rollbar.DEBUG, l.prepare(msg, args)...)
	l.std.Debug(msg, args...)
}

func (l *RollbarLogger) Info(msg string, args ...interface{}) {
	l.report(rollbar.INFO, l.prepare(msg, args)...)
	l.std.Info(msg, args...)
}

func (l *RollbarLogger) Warn(msg string, args ...interface{}) {
	l.report(rollbar.WARN, l.prepare(msg, args)...)
	l.std.Warn(msg, args...)
}

func (l *RollbarLogger) Error(msg string, args ...interface{}) {
	l.report(rollbar.ERR, l.prepare(msg, args)...)
	l.std.Error(msg, args...)
}

func (l *RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.report(rollbar.CRIT, l.prepare(msg, args)...)
	rollbar.Wait()
	l.std.Fatal(msg, args...)
}
