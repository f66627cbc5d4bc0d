package metering

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"
)

// RequestID derives the idempotency key for a meter call:
//
//	vz:<serial first 8>:<md5(method:path) first 8>:<millis since epoch>
//
// The authority deduplicates on this string, so a replay after a network
// failure must reuse the exact same value. Two calls for the same
// (serial, method, path) within one millisecond intentionally collide.
func RequestID(serial, method, path string, at time.Time) string {
	serialShort := serial
	if len(serialShort) > 8 {
		serialShort = serialShort[:8]
	}
	sum := md5.Sum([]byte(method + ":" + path))
	return "vz:" + serialShort + ":" + hex.EncodeToString(sum[:])[:8] + ":" +
		strconv.FormatInt(at.UnixMilli(), 10)
}
