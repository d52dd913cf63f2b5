// Package seqnum implements modular ordering over wrap-around 16-bit
// sequence numbers, shared by packet, message and block ids.
package seqnum

import "github.com/lithdew/seq"

// GreaterThan reports whether s1 is newer than s2 under 16-bit wrap-around,
// i.e. (s1 - s2) mod 65536 lies in (0, 32768).
func GreaterThan(s1, s2 uint16) bool {
	return seq.GT(s1, s2)
}

// LessThan reports whether s1 is older than s2 under the same ordering.
func LessThan(s1, s2 uint16) bool {
	return seq.GT(s2, s1)
}

// Diff returns the signed distance from s2 to s1 on the wrap-around circle.
func Diff(s1, s2 uint16) int {
	d := int(s1) - int(s2)
	if d > 32768 {
		d -= 65536
	} else if d < -32768 {
		d += 65536
	}
	return d
}
