package rpc

import (
	"errors"
	"fmt"
)

// Every terminal outcome a pending request can see maps to one of the error
// types below. They are delivered at most once per request id and never
// retried by this layer.

// NodeNotConnectedError reports that no live connection to the node exists.
// It is returned synchronously from connection lookup.
type NodeNotConnectedError struct {
	Node Node
}

func (e *NodeNotConnectedError) Error() string {
	return fmt.Sprintf("node %s not connected", e.Node)
}

// SendRequestError reports a local transmission failure (serialization or
// connection write). The response context is removed before delivery.
type SendRequestError struct {
	Node   Node
	Action string
	Err    error
}

func (e *SendRequestError) Error() string {
	return fmt.Sprintf("send request [%s] to %s failed: %v", e.Action, e.Node, e.Err)
}

func (e *SendRequestError) Unwrap() error { return e.Err }

// ReceiveTimeoutError reports that the deadline elapsed with no response.
type ReceiveTimeoutError struct {
	Node    Node
	Action  string
	Message string
}

func (e *ReceiveTimeoutError) Error() string {
	return fmt.Sprintf("receive timeout [%s] from %s: %s", e.Action, e.Node, e.Message)
}

// NodeDisconnectedError reports that the connection closed while the request
// was outstanding on it.
type NodeDisconnectedError struct {
	Node   Node
	Action string
}

func (e *NodeDisconnectedError) Error() string {
	return fmt.Sprintf("node %s disconnected, action [%s]", e.Node, e.Action)
}

// NodeClosedError reports that the local service is stopping.
type NodeClosedError struct {
	Node Node
}

func (e *NodeClosedError) Error() string {
	return fmt.Sprintf("node %s closed", e.Node)
}

// HandshakeError reports an identity, version, or cluster-name mismatch
// during connection establishment. The connection is not added to the pool.
type HandshakeError struct {
	Node   Node
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake with %s failed: %s: %v", e.Node, e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake with %s failed: %s", e.Node, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RejectedExecutionError reports that the executor chosen for delivery
// refused the task, e.g. because its pool is shutting down. It is routed to
// HandleRejection, not HandleError, so callers can tell infrastructure
// shutdown apart from ordinary failures.
type RejectedExecutionError struct {
	Executor string
	Err      error
}

func (e *RejectedExecutionError) Error() string {
	return fmt.Sprintf("executor %q rejected task: %v", e.Executor, e.Err)
}

func (e *RejectedExecutionError) Unwrap() error { return e.Err }

// ActionNotFoundError reports a request for an unregistered action.
type ActionNotFoundError struct {
	Action string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("action [%s] not found", e.Action)
}

// RemoteError wraps a failure that happened on the node that processed the
// request, including handler panics on the local short-circuit path.
type RemoteError struct {
	NodeName string
	Action   string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on [%s], action [%s]: %s", e.NodeName, e.Action, e.Message)
}

// ErrNotAcceptingRequests is raised when a request arrives before the
// service was told to accept incoming traffic. It is a boot-sequencing
// guard: the transport may be bound and listening before handler
// registration is complete.
var ErrNotAcceptingRequests = errors.New("transport not ready to handle incoming requests")
