package rcluster

import (
	"strings"

	"github.com/sigurn/crc16"
)

// SlotCount is the number of hash slots in a Redis Cluster.
const SlotCount = 16384

// Redis Cluster keys hash with CRC16-XMODEM (polynomial 0x1021, zero init).
var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Hashslot returns the cluster slot of key. When key contains a non-empty hash tag
// ("{...}"), only the tag is hashed.
func Hashslot(key string) int {
	if start := strings.IndexByte(key, '{'); start >= 0 {
		if end := strings.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}
	return int(crc16.Checksum([]byte(key), crcTable)) & (SlotCount - 1)
}
