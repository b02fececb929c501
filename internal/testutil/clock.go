package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"collabd/internal/collab"
)

// Epoch is the instant every FixedClock reports.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// FixedClock never moves, so stored timestamps are comparable in tests.
func FixedClock() collab.Clock {
	return collab.ClockFunc(func() time.Time { return Epoch })
}

// SessionIDs numbers sessions in connect order: "session-1", "session-2", ...
func SessionIDs() collab.IDGenerator {
	var n atomic.Int64
	return collab.IDFunc(func() string {
		return fmt.Sprintf("session-%d", n.Add(1))
	})
}
