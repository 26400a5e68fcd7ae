package rcluster

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the lifecycle state of a Cluster.
type Status string

const (
	StatusWait          Status = "wait"
	StatusConnecting    Status = "connecting"
	StatusConnect       Status = "connect"
	StatusReady         Status = "ready"
	StatusReconnecting  Status = "reconnecting"
	StatusDisconnecting Status = "disconnecting"
	StatusClose         Status = "close"
	StatusEnd           Status = "end"
)

// Role selects a view of the known nodes.
type Role string

const (
	RoleAll    Role = "all"
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

func (r Role) valid() bool {
	switch r {
	case RoleAll, RoleMaster, RoleSlave:
		return true
	}
	return false
}

// EventType identifies the kind of an Event.
type EventType string

const (
	// EventNodeAdded is emitted when a node handle is created.
	EventNodeAdded EventType = "+node"
	// EventNodeRemoved is emitted when a node handle is torn down.
	EventNodeRemoved EventType = "-node"
	// EventNodeError is emitted when a node fails a topology query or loses its connection.
	EventNodeError EventType = "node error"
	// EventRefresh is emitted after the slot table was replaced.
	EventRefresh EventType = "refresh"
	// EventStatus is emitted on every lifecycle transition; Event.Status holds the new state.
	EventStatus EventType = "status"
	// EventError is emitted when a connect attempt fails.
	EventError EventType = "error"
	// EventMessage carries a message received on a subscribed channel.
	EventMessage EventType = "message"
	// EventPMessage carries a message received through a pattern subscription.
	EventPMessage EventType = "pmessage"
)

// Message is a pub/sub message received by the subscriber node.
type Message struct {
	Channel string
	Pattern string
	Payload string
	Node    string
}

// Event is delivered to the callbacks registered with OnEvent or WithEventCallback.
type Event struct {
	Type    EventType
	Status  Status
	Node    *Node
	Err     error
	Message *Message
	Time    time.Time
}

// EventCallback receives cluster events. Callbacks run on a single goroutine, in emission
// order; a slow callback delays the ones after it.
type EventCallback func(ctx context.Context, ev *Event)

// SelectorFunc chooses the candidate nodes for a read-only command among the nodes serving
// its slot (master first). One of the returned nodes is picked at random.
type SelectorFunc func(nodes []*Node, cmd redis.Cmder) []*Node

type scaleKind int

const (
	scaleMaster scaleKind = iota
	scaleSlave
	scaleAll
	scaleCustom
)

// ScaleReads is the read-scaling strategy applied to read-only commands.
// Write commands always go to the slot's master.
type ScaleReads struct {
	kind     scaleKind
	selector SelectorFunc
}

var (
	// ScaleMaster sends every command to the slot's master.
	ScaleMaster = ScaleReads{kind: scaleMaster}
	// ScaleSlave sends read-only commands to a random replica of the slot, or to the master
	// when the slot has no replica.
	ScaleSlave = ScaleReads{kind: scaleSlave}
	// ScaleAll sends read-only commands to a random node serving the slot.
	ScaleAll = ScaleReads{kind: scaleAll}
)

// ScaleCustom delegates the choice to fn.
func ScaleCustom(fn SelectorFunc) ScaleReads {
	return ScaleReads{kind: scaleCustom, selector: fn}
}

// ParseScaleReads maps "master", "slave" and "all" to their strategies.
func ParseScaleReads(s string) (ScaleReads, error) {
	switch s {
	case "master":
		return ScaleMaster, nil
	case "slave":
		return ScaleSlave, nil
	case "all":
		return ScaleAll, nil
	}
	return ScaleReads{}, ErrInvalidScaleReads
}

func (s ScaleReads) String() string {
	switch s.kind {
	case scaleMaster:
		return "master"
	case scaleSlave:
		return "slave"
	case scaleAll:
		return "all"
	case scaleCustom:
		return "custom"
	}
	return "invalid"
}

func (s ScaleReads) validate() error {
	switch s.kind {
	case scaleMaster, scaleSlave, scaleAll:
		return nil
	case scaleCustom:
		if s.selector != nil {
			return nil
		}
	}
	return ErrInvalidScaleReads
}

// fallbackRole is the registry view sampled when the slot gives no usable node.
func (s ScaleReads) fallbackRole() Role {
	switch s.kind {
	case scaleMaster:
		return RoleMaster
	case scaleSlave:
		return RoleSlave
	}
	return RoleAll
}

// pick chooses one address of a non-empty slot entry. Custom strategies go through
// selectCustom instead.
func (s ScaleReads) pick(addrs []string) string {
	switch s.kind {
	case scaleAll:
		return addrs[rand.IntN(len(addrs))]
	case scaleSlave:
		if len(addrs) > 1 {
			return addrs[1+rand.IntN(len(addrs)-1)]
		}
	}
	return addrs[0]
}

func selectCustom(fn SelectorFunc, nodes []*Node, cmd redis.Cmder) *Node {
	if len(nodes) == 0 {
		return nil
	}
	picked := fn(nodes, cmd)
	if len(picked) == 0 {
		return nodes[0]
	}
	return picked[rand.IntN(len(picked))]
}
