package collab

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CommandStats counts messages per type received from and sent to one session.
type CommandStats struct {
	mu sync.Mutex
	rx map[string]uint64
	tx map[string]uint64
}

func newCommandStats() *CommandStats {
	return &CommandStats{
		rx: make(map[string]uint64),
		tx: make(map[string]uint64),
	}
}

func (c *CommandStats) received(msgType string) {
	c.mu.Lock()
	c.rx[msgType]++
	c.mu.Unlock()
}

func (c *CommandStats) sent(msgType string) {
	c.mu.Lock()
	c.tx[msgType]++
	c.mu.Unlock()
}

// StatLine is one row of a stats dump.
type StatLine struct {
	Command string `json:"command"`
	Rx      uint64 `json:"rx"`
	Tx      uint64 `json:"tx"`
}

// Snapshot returns the counters sorted by command.
func (c *CommandStats) Snapshot() []StatLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.rx)+len(c.tx))
	for k := range c.rx {
		seen[k] = struct{}{}
	}
	for k := range c.tx {
		seen[k] = struct{}{}
	}
	lines := make([]StatLine, 0, len(seen))
	for k := range seen {
		lines = append(lines, StatLine{Command: k, Rx: c.rx[k], Tx: c.tx[k]})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Command < lines[j].Command })
	return lines
}

// String formats the counters as a table.
func (c *CommandStats) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-28s %8s %8s\n", "command", "rx", "tx")
	for _, l := range c.Snapshot() {
		fmt.Fprintf(&sb, "%-28s %8d %8d\n", l.Command, l.Rx, l.Tx)
	}
	return sb.String()
}
