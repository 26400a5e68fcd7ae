package rcluster

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScaleReads is returned by New when the read-scaling strategy is not one of
	// ScaleMaster, ScaleSlave, ScaleAll or a ScaleCustom with a non-nil selector.
	ErrInvalidScaleReads = errors.New("rcluster: invalid scaleReads option")

	// ErrNoSeedNodes is returned when no startup node address was configured.
	ErrNoSeedNodes = errors.New("rcluster: startup nodes should contain at least one node")

	// ErrInvalidRole is returned by Nodes for an unknown role.
	ErrInvalidRole = errors.New("rcluster: invalid node role")

	// ErrAlreadyConnecting is returned by Connect while the cluster is connecting or connected.
	ErrAlreadyConnecting = errors.New("rcluster: cluster is already connecting/connected")

	// ErrNoStartupNodes is returned when none of the known nodes could be reached.
	ErrNoStartupNodes = errors.New("rcluster: none of startup nodes is available")

	// ErrRefreshFailed is matched by a RefreshError.
	ErrRefreshFailed = errors.New("rcluster: failed to refresh slots cache")

	// ErrNotReady is returned when no node can serve a command and the offline queue is disabled.
	ErrNotReady = errors.New("rcluster: cluster isn't ready and offline queue is disabled")

	// ErrConnectionClosed is returned for commands issued after the cluster has ended.
	ErrConnectionClosed = errors.New("rcluster: connection is closed")

	// ErrClusterEnded is returned by a refresh that observes the end state.
	ErrClusterEnded = errors.New("rcluster: cluster is disconnected")

	// ErrClusterDown is returned by Connect when the ready check reports cluster_state:fail.
	ErrClusterDown = errors.New("rcluster: cluster state is fail")

	// ErrTooManyRedirections is matched by an ExhaustedRedirectsError.
	ErrTooManyRedirections = errors.New("rcluster: too many cluster redirections")

	// ErrClosed is returned when an operation is attempted on a closed Cluster.
	ErrClosed = errors.New("rcluster: Cluster is closed")
)

// RedirectError is a parsed MOVED or ASK reply.
type RedirectError struct {
	Kind string // "MOVED" or "ASK"
	Slot int
	Addr string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %d %s", e.Kind, e.Slot, e.Addr)
}

// ExhaustedRedirectsError is returned when a command used up its redirection budget.
// It matches ErrTooManyRedirections and the last underlying error.
type ExhaustedRedirectsError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRedirectsError) Error() string {
	return fmt.Sprintf("rcluster: too many cluster redirections (%d attempts), last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRedirectsError) Unwrap() []error {
	return []error{ErrTooManyRedirections, e.Last}
}

// RefreshError is returned when no known node answered the topology query.
type RefreshError struct {
	Tried int
	Last  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("rcluster: failed to refresh slots cache after trying %d nodes, last error: %v", e.Tried, e.Last)
}

func (e *RefreshError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRefreshFailed}
	}
	return []error{ErrRefreshFailed, e.Last}
}
