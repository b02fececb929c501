package collab

import (
	"time"

	"github.com/google/uuid"
)

// Clock stamps projects, forks and updates.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// IDGenerator names sessions for the connections and stats listings.
type IDGenerator interface {
	New() string
}

// IDFunc adapts a plain function to IDGenerator.
type IDFunc func() string

func (f IDFunc) New() string { return f() }

// RandomIDs hands out random UUIDs.
var RandomIDs IDGenerator = IDFunc(uuid.NewString)
