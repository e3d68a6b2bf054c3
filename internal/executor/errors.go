package executor

import "fmt"

// NotFoundError reports a BuildProcess naming a plugin the Registry has no
// Executor for, or a condition check attempted with no evaluator installed.
type NotFoundError struct {
	PluginName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("executor: no plugin registered for %q", e.PluginName)
}

// SerializationError wraps a Serialize/Deserialize failure, distinct from
// node.SerializationError since bookkeeping round-tripping is entirely
// plugin-owned.
type SerializationError struct {
	Plugin string
	Cause  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("executor %s: bookkeeping serialization: %v", e.Plugin, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// TimeoutError reports an executor call that exceeded
// config.EngineConfig.HostTimeoutUpperBound. The engine treats it as a
// recoverable planner.Result, not this error directly — this type exists
// for executors that want a concrete value to wrap in their Recoverable
// message.
type TimeoutError struct {
	Plugin string
	Op     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("executor %s: %s timed out", e.Plugin, e.Op)
}
