package rpc

import (
	"strings"

	"go.uber.org/zap"
)

// traceLogger emits one debug line per traced message. Include/exclude are
// wildcard patterns over the action name; include empty means everything.
type traceLogger struct {
	include []string
	exclude []string
	log     *zap.Logger
}

func newTraceLogger(include, exclude []string, log *zap.Logger) *traceLogger {
	if log == nil {
		log = zap.L()
	}
	return &traceLogger{include: include, exclude: exclude, log: log.Named("tracer")}
}

func (t *traceLogger) enabled() bool {
	return t.log.Core().Enabled(zap.DebugLevel)
}

func (t *traceLogger) shouldTrace(action string) bool {
	if len(t.include) > 0 && !simpleMatchAny(t.include, action) {
		return false
	}
	if len(t.exclude) > 0 && simpleMatchAny(t.exclude, action) {
		return false
	}
	return true
}

func simpleMatchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if simpleMatch(p, s) {
			return true
		}
	}
	return false
}

// simpleMatch matches s against pattern, where '*' matches any run of
// characters (including none).
func simpleMatch(pattern, s string) bool {
	i := strings.IndexByte(pattern, '*')
	if i == -1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, pattern[:i]) {
		return false
	}
	rest := pattern[i+1:]
	if rest == "" {
		return true
	}
	for j := i; j <= len(s); j++ {
		if simpleMatch(rest, s[j:]) {
			return true
		}
	}
	return false
}
