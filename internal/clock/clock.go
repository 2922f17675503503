// Package clock implements a hybrid logical clock. Every mutation carries
// an HLC timestamp so devices agree on a total order of events even when
// their wall clocks drift.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxSkew is the maximum tolerated forward clock skew for incoming
// timestamps. Mutations stamped further ahead of local time are rejected
// as malformed.
const MaxSkew = 5 * time.Minute

// Timestamp is a hybrid logical clock reading. Wall is nanoseconds since
// the epoch; Logical breaks ties within one wall tick; Device breaks ties
// deterministically across devices.
type Timestamp struct {
	Wall    int64  `json:"w"`
	Logical int32  `json:"l"`
	Device  string `json:"d"`
}

// Clock issues monotonically increasing timestamps for one device.
type Clock struct {
	mu       sync.Mutex
	latest   Timestamp
	deviceID string
}

// New creates a clock for the given device.
func New(deviceID string) *Clock {
	return &Clock{
		deviceID: deviceID,
		latest: Timestamp{
			Wall:   time.Now().UnixNano(),
			Device: deviceID,
		},
	}
}

// Now returns a fresh timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := time.Now().UnixNano()
	if c.latest.Wall >= physical {
		c.latest.Logical++
	} else {
		c.latest.Wall = physical
		c.latest.Logical = 0
	}

	return Timestamp{Wall: c.latest.Wall, Logical: c.latest.Logical, Device: c.deviceID}
}

// Update advances the clock past a timestamp observed from a peer, so that
// Now never issues a timestamp ordered before anything already applied.
func (c *Clock) Update(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := time.Now().UnixNano()
	maxWall := max(c.latest.Wall, max(remote.Wall, physical))

	switch {
	case maxWall == c.latest.Wall && maxWall == remote.Wall:
		c.latest.Logical = max(c.latest.Logical, remote.Logical) + 1
	case maxWall == c.latest.Wall:
		c.latest.Logical++
	case maxWall == remote.Wall:
		c.latest.Wall = remote.Wall
		c.latest.Logical = remote.Logical + 1
	default:
		c.latest.Wall = physical
		c.latest.Logical = 0
	}
}

// Latest returns the most recent timestamp the clock has seen or issued.
// Persisted across restarts so monotonicity survives the process.
func (c *Clock) Latest() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Less returns true if t orders strictly before other (total order).
func (t Timestamp) Less(other Timestamp) bool {
	if t.Wall != other.Wall {
		return t.Wall < other.Wall
	}
	if t.Logical != other.Logical {
		return t.Logical < other.Logical
	}
	return t.Device < other.Device
}

// Equal returns true if the timestamps are identical.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Wall == other.Wall && t.Logical == other.Logical && t.Device == other.Device
}

// IsZero returns true for the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Logical == 0 && t.Device == ""
}

// IsFutureSkew reports whether t is further ahead of local wall time than
// MaxSkew allows.
func (t Timestamp) IsFutureSkew() bool {
	return t.Wall > time.Now().UnixNano()+int64(MaxSkew)
}

// String encodes the timestamp as "wall:logical:device".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d:%s", t.Wall, t.Logical, t.Device)
}

// Parse decodes a timestamp produced by String.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: want wall:logical:device", s)
	}
	var t Timestamp
	if _, err := fmt.Sscanf(parts[0], "%d", &t.Wall); err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp wall %q: %w", parts[0], err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &t.Logical); err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp logical %q: %w", parts[1], err)
	}
	t.Device = parts[2]
	return t, nil
}
