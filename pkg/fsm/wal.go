package fsm

import (
	"github.com/marcbachmann/pg-auto-failover/pkg/types"
)

// WalDifferenceWithin returns whether the most recently reported log
// positions of the two nodes are within delta bytes of each other.
// Returns false when either node has not reported a position yet, and
// true (vacuously) when either node pointer is nil.
func WalDifferenceWithin(node, other *types.Node, delta int64) bool {
	if node == nil || other == nil {
		return true
	}

	if node.ReportedLSN == 0 || other.ReportedLSN == 0 {
		// no data yet
		return false
	}

	diff := walDiff(node.ReportedLSN, other.ReportedLSN)
	return diff <= uint64(delta)
}

func walDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
