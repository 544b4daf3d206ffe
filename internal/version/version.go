// Package version holds the build version reported by the unauthenticated
// GET / endpoint.
package version

import "encoding/binary"

const (
	Major uint64 = 1
	Minor uint64 = 0
	Patch uint64 = 0
)

// Bytes returns the 24-byte big-endian {Major,Minor,Patch} encoding the
// api surface serves on an unauthenticated GET with no query string.
func Bytes() []byte {
	out := make([]byte, 24)
	binary.BigEndian.PutUint64(out[0:8], Major)
	binary.BigEndian.PutUint64(out[8:16], Minor)
	binary.BigEndian.PutUint64(out[16:24], Patch)
	return out
}
