package crdt

import (
	"hash/fnv"
	"strings"
)

// Items carry a fractional order key instead of a stored integer position.
// Positions are derived by sorting on (key, item id) at snapshot time, so the
// dense 0..N-1 invariant holds structurally on every peer after convergence.
// Keys are digit strings over an ASCII-ordered alphabet; a key strictly
// between any two existing keys can always be generated, and a replica-derived
// suffix digit keeps concurrent inserts into the same gap distinct.

const orderAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func orderDigit(index int) byte {
	return orderAlphabet[index]
}

func orderIndex(digit byte) int {
	return strings.IndexByte(orderAlphabet, digit)
}

// nextOrderKey returns a key strictly between before and after. Empty bounds
// are open: before == "" means the head of the list, after == "" the tail.
func nextOrderKey(before string, after string, replicaID string) string {
	return keyBetween(before, after) + string(replicaSuffix(replicaID))
}

func keyBetween(before string, after string) string {
	if before == "" && after == "" {
		return string(orderDigit(len(orderAlphabet) / 2))
	}
	if before != "" && after != "" && before >= after {
		// Degenerate gap from a replica-suffix collision; extend past the
		// bound so ordering stays total.
		return before + "0" + string(orderDigit(len(orderAlphabet)/2))
	}
	if after == "" {
		return keyAfter(before)
	}
	if before == "" {
		return keyBefore(after)
	}

	shared := 0
	for shared < len(before) && shared < len(after) && before[shared] == after[shared] {
		shared++
	}
	prefix := before[:shared]
	if shared == len(before) {
		// before is a proper prefix of after
		return before + keyBefore(after[shared:])
	}

	lowDigit := orderIndex(before[shared])
	highDigit := orderIndex(after[shared])
	if highDigit-lowDigit > 1 {
		return prefix + string(orderDigit((lowDigit+highDigit)/2))
	}
	return prefix + string(before[shared]) + keyAfter(before[shared+1:])
}

func keyAfter(key string) string {
	if key == "" {
		return string(orderDigit(len(orderAlphabet) / 2))
	}
	first := orderIndex(key[0])
	if first < len(orderAlphabet)-1 {
		return string(orderDigit(first + 1))
	}
	return string(key[0]) + keyAfter(key[1:])
}

func keyBefore(key string) string {
	first := orderIndex(key[0])
	switch {
	case first >= 2:
		return string(orderDigit(first / 2))
	case first == 1:
		return "0" + string(orderDigit(len(orderAlphabet)/2))
	default:
		return "0" + keyBefore(key[1:])
	}
}

// replicaSuffix maps a replica id onto a stable nonzero alphabet digit.
// Keys never end in the minimum digit, so a strictly smaller key can always
// be generated before any existing one.
func replicaSuffix(replicaID string) byte {
	hasher := fnv.New32a()
	hasher.Write([]byte(replicaID)) //nolint:errcheck
	return orderDigit(1 + int(hasher.Sum32()%uint32(len(orderAlphabet)-1)))
}
