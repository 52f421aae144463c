package rpc

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// validActionPrefixes is the naming convention for actions. Validation is
// advisory: an invalid prefix is logged, not rejected, so callers that
// predate the convention keep working.
var validActionPrefixes = []string{
	"internal:",
	"cluster:admin",
	"cluster:monitor",
	"cluster:internal",
	"node:data/read",
	"node:data/write",
	"node:admin",
	"node:monitor",
}

// IsValidActionName reports whether the action starts with a valid prefix.
func IsValidActionName(action string) bool {
	for _, p := range validActionPrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}

// Registration binds an action name to its handler and execution policy.
// Immutable once registered.
type Registration struct {
	// Action is the name requests address the handler by.
	Action string
	// Handler processes the request payload.
	Handler Handler
	// Executor names the pool the handler runs on; ExecutorSame runs it on
	// the delivering goroutine.
	Executor string
	// ForceExecution queues the handler even when the executor queue is
	// full; it is never rejected.
	ForceExecution bool
	// CanTripCircuitBreaker marks the action as eligible for request-size
	// breaking in the byte layer.
	CanTripCircuitBreaker bool
	// Limiter, when set, applies admission control: requests beyond the
	// rate are failed back to the sender instead of queued.
	Limiter *rate.Limiter
}

// HandlerRegistry maps action names to registrations. Registration is
// append-mostly; lookup happens on every incoming request.
type HandlerRegistry struct {
	handlers *xsync.MapOf[string, *Registration]
	logger   *zap.Logger
}

func NewHandlerRegistry(logger *zap.Logger) *HandlerRegistry {
	if logger == nil {
		logger = zap.L()
	}
	return &HandlerRegistry{
		handlers: xsync.NewMapOf[string, *Registration](),
		logger:   logger,
	}
}

// Register adds a registration. Re-registering an action replaces the
// previous handler; the action name convention is enforced advisorily only.
func (r *HandlerRegistry) Register(reg *Registration) {
	if !IsValidActionName(reg.Action) {
		r.logger.Warn("invalid action name, must start with a valid prefix",
			zap.String("action", reg.Action),
			zap.Strings("valid_prefixes", validActionPrefixes))
	}
	if reg.Executor == "" {
		reg.Executor = ExecutorGeneric
	}
	r.handlers.Store(reg.Action, reg)
}

// Get returns the registration for an action, or nil.
func (r *HandlerRegistry) Get(action string) *Registration {
	reg, _ := r.handlers.Load(action)
	return reg
}
