package capturer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnSnapshot is the result of one pass over the socket table.
type ConnSnapshot struct {
	At     time.Time
	Reader string

	Stats   ReadStats
	Unknown int // rows the normalizer rejected

	Records []ConnRecord
	New     []ConnRecord

	Err error
}

// Dropped is every row that did not become a record.
func (s *ConnSnapshot) Dropped() int {
	return s.Stats.Malformed + s.Unknown
}

// ConnCapturer reads the socket table, normalizes it and keeps only the
// connections not seen earlier in this process.
type ConnCapturer struct {
	Now    func() time.Time
	Reader Reader
	Ledger *Ledger

	curr *ConnSnapshot
}

func NewConnCapturer(r Reader) *ConnCapturer {
	return &ConnCapturer{
		Now:    time.Now,
		Reader: r,
		Ledger: NewLedger(),
	}
}

// Capture takes a snapshot. A reader failure still produces an empty
// snapshot; the error is returned for the caller to log.
func (c *ConnCapturer) Capture(ctx context.Context) error {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Reader == nil {
		return errors.New("conn capturer: Reader is nil")
	}
	if c.Ledger == nil {
		c.Ledger = NewLedger()
	}

	next := &ConnSnapshot{
		At:     c.Now(),
		Reader: c.Reader.Name(),
	}
	c.curr = next

	raw, stats, err := c.Reader.Read(ctx)
	next.Stats = stats
	if err != nil {
		next.Err = fmt.Errorf("read sockets (%s): %w", next.Reader, err)
		return next.Err
	}

	next.Records = make([]ConnRecord, 0, len(raw))
	for _, r := range raw {
		rec, ok := Normalize(r)
		if !ok {
			next.Unknown++
			continue
		}
		next.Records = append(next.Records, rec)
	}
	next.New = c.Ledger.FilterNew(next.Records)
	return nil
}

// Snapshot returns the latest capture, or nil before the first one.
func (c *ConnCapturer) Snapshot() *ConnSnapshot {
	return c.curr
}

func (c *ConnCapturer) GetInfo() (InfoData, error) {
	if c.curr == nil {
		return InfoData{Summary: "ConnSnapshot(empty)"}, nil
	}
	seen := 0
	if c.Ledger != nil {
		seen = c.Ledger.Len()
	}
	metrics := map[string]float64{
		"conn.rows":    float64(c.curr.Stats.Rows),
		"conn.total":   float64(len(c.curr.Records)),
		"conn.new":     float64(len(c.curr.New)),
		"conn.dropped": float64(c.curr.Dropped()),
		"conn.seen":    float64(seen),
	}
	summary := fmt.Sprintf(
		"ConnSnapshot(at=%s, reader=%s, conns=%d, new=%d, dropped=%d, seen=%d)",
		c.curr.At.Format(time.RFC3339),
		c.curr.Reader,
		len(c.curr.Records),
		len(c.curr.New),
		c.curr.Dropped(),
		seen,
	)
	var fields map[string]interface{}
	if len(c.curr.New) > 0 {
		limit := min(200, len(c.curr.New))
		fields = map[string]interface{}{
			"conn.new": c.curr.New[:limit],
		}
	}
	return InfoData{Summary: summary, Metrics: metrics, Fields: fields}, nil
}
