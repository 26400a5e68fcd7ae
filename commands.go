package rcluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// readOnlyCommands may be served by replicas when the read-scaling strategy allows it.
var readOnlyCommands = setOf(
	"bitcount", "bitfield_ro", "bitpos", "dbsize", "dump", "eval_ro", "evalsha_ro", "exists",
	"expiretime", "fcall_ro", "geodist", "geohash", "geopos", "georadius_ro",
	"georadiusbymember_ro", "geosearch", "get", "getbit", "getrange", "hexists", "hget",
	"hgetall", "hkeys", "hlen", "hmget", "hrandfield", "hscan", "hstrlen", "hvals", "keys",
	"lcs", "lindex", "llen", "lpos", "lrange", "mget", "pexpiretime", "pfcount", "pttl",
	"randomkey", "scan", "scard", "sdiff", "sinter", "sintercard", "sismember", "smembers",
	"smismember", "sort_ro", "srandmember", "sscan", "strlen", "substr", "sunion", "touch",
	"ttl", "type", "xinfo", "xlen", "xpending", "xrange", "xread", "xrevrange", "zcard",
	"zcount", "zdiff", "zinter", "zintercard", "zlexcount", "zmscore", "zrandmember", "zrange",
	"zrangebylex", "zrangebyscore", "zrank", "zrevrange", "zrevrangebylex",
	"zrevrangebyscore", "zrevrank", "zscan", "zscore", "zunion",
)

// keylessCommands never carry a key, whatever their arguments.
var keylessCommands = setOf(
	"auth", "client", "cluster", "command", "config", "dbsize", "echo", "flushall",
	"flushdb", "function", "info", "keys", "lastsave", "ping", "randomkey", "readonly",
	"readwrite", "role", "scan", "script", "time", "wait",
)

// subscriberCommands are routed to the subscriber node.
var subscriberCommands = setOf("subscribe", "psubscribe", "unsubscribe", "punsubscribe")

func setOf(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func isReadOnly(cmd redis.Cmder) bool {
	_, ok := readOnlyCommands[cmd.Name()]
	return ok
}

func isSubscriberCommand(name string) bool {
	_, ok := subscriberCommands[name]
	return ok
}

// firstKeyPos returns the argument index of the command's first key, or 0 when it has none.
func firstKeyPos(cmd redis.Cmder) int {
	name := cmd.Name()
	if _, ok := keylessCommands[name]; ok {
		return 0
	}
	args := cmd.Args()
	switch name {
	case "eval", "evalsha", "eval_ro", "evalsha_ro", "fcall", "fcall_ro":
		if len(args) > 3 {
			if n, err := strconv.Atoi(argString(args[2])); err == nil && n > 0 {
				return 3
			}
		}
		return 0
	case "xread", "xreadgroup":
		for i := 1; i < len(args); i++ {
			if strings.EqualFold(argString(args[i]), "streams") {
				return i + 1
			}
		}
		return 0
	case "memory", "object", "xinfo":
		return 2
	}
	return 1
}

// commandSlot returns the slot of the command's first key.
func commandSlot(cmd redis.Cmder) (int, bool) {
	pos := firstKeyPos(cmd)
	args := cmd.Args()
	if pos <= 0 || pos >= len(args) {
		return 0, false
	}
	return Hashslot(argString(args[pos])), true
}

func argString(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// commandArgs returns the arguments after the command name as strings.
func commandArgs(cmd redis.Cmder) []string {
	args := cmd.Args()
	if len(args) < 2 {
		return nil
	}
	out := make([]string, 0, len(args)-1)
	for _, a := range args[1:] {
		out = append(out, argString(a))
	}
	return out
}
