package rcluster

import (
	"strconv"
	"strings"
	"time"
)

// retryContext is the per-command redirection budget. It is a value; every classification
// returns the next one.
type retryContext struct {
	remaining int
	attempts  int
}

func newRetryContext(maxRedirections int) retryContext {
	return retryContext{remaining: maxRedirections}
}

func (rc retryContext) next() retryContext {
	return retryContext{remaining: rc.remaining - 1, attempts: rc.attempts + 1}
}

type actionKind int

const (
	actionFatal actionKind = iota
	actionExhausted
	actionMoved
	actionAsk
	actionDelay
)

func (k actionKind) String() string {
	switch k {
	case actionExhausted:
		return "exhausted"
	case actionMoved:
		return "moved"
	case actionAsk:
		return "ask"
	case actionDelay:
		return "delay"
	}
	return "fatal"
}

// Delay queue categories.
const (
	categoryTryAgain    = "tryagain"
	categoryClusterDown = "clusterdown"
	categoryFailover    = "failover"
)

// action is what the router does after a failed attempt.
type action struct {
	kind  actionKind
	retry retryContext

	// actionMoved, actionAsk
	redirect *RedirectError

	// actionDelay
	category string
	delay    time.Duration
	refresh  bool // refresh the slot table once the delay elapses
	random   bool // retry on a random node instead of the slot's node

	// actionFatal, actionExhausted
	err error
}

// classify decides how to continue after err. It has no side effects.
func classify(err error, rc retryContext, cfg *config) action {
	rc = rc.next()
	if rc.remaining <= 0 {
		return action{
			kind:  actionExhausted,
			retry: rc,
			err:   &ExhaustedRedirectsError{Attempts: rc.attempts, Last: err},
		}
	}

	code, operands, _ := strings.Cut(err.Error(), " ")
	switch code {
	case "MOVED", "ASK":
		redirect, ok := parseRedirect(code, operands)
		if !ok {
			break
		}
		kind := actionMoved
		if code == "ASK" {
			kind = actionAsk
		}
		return action{kind: kind, retry: rc, redirect: redirect}
	case "TRYAGAIN":
		return action{kind: actionDelay, retry: rc, category: categoryTryAgain, delay: cfg.retryDelayOnTryAgain}
	case "CLUSTERDOWN":
		if cfg.retryDelayOnClusterDown > 0 {
			return action{
				kind: actionDelay, retry: rc,
				category: categoryClusterDown, delay: cfg.retryDelayOnClusterDown,
				refresh: true, random: true,
			}
		}
	default:
		if isConnectionError(err) && cfg.retryDelayOnFailover > 0 {
			return action{
				kind: actionDelay, retry: rc,
				category: categoryFailover, delay: cfg.retryDelayOnFailover,
				refresh: true, random: true,
			}
		}
	}
	return action{kind: actionFatal, retry: rc, err: err}
}

// parseRedirect parses the "<slot> <host>:<port>" operands of a MOVED or ASK reply.
func parseRedirect(kind, operands string) (*RedirectError, bool) {
	slotStr, addr, ok := strings.Cut(strings.TrimSpace(operands), " ")
	if !ok {
		return nil, false
	}
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 0 || slot >= SlotCount {
		return nil, false
	}
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.LastIndexByte(addr, ':') <= 0 {
		return nil, false
	}
	return &RedirectError{Kind: kind, Slot: slot, Addr: addr}, true
}
