package scheme

import (
	"time"

	"github.com/me/matsched/pkg/model"
)

// TimeWindow is a range-compressed partition scheme with one partition per
// fixed-size window (daily, hourly, ...) starting at Start. Keys are the
// window start formatted with Format; the key set is never materialized
// except on explicit enumeration.
type TimeWindow struct {
	Start    time.Time
	Period   time.Duration
	Format   string
	Location *time.Location
}

// Daily returns a scheme with one partition per day from start, keyed
// "2006-01-02".
func Daily(start time.Time) *TimeWindow {
	return &TimeWindow{Start: start, Period: 24 * time.Hour, Format: "2006-01-02", Location: start.Location()}
}

// Hourly returns a scheme with one partition per hour from start, keyed
// "2006-01-02-15".
func Hourly(start time.Time) *TimeWindow {
	return &TimeWindow{Start: start, Period: time.Hour, Format: "2006-01-02-15", Location: start.Location()}
}

func (w *TimeWindow) loc() *time.Location {
	if w.Location != nil {
		return w.Location
	}
	return time.UTC
}

// windowCount returns how many complete windows exist as of now.
func (w *TimeWindow) windowCount(now time.Time) int {
	if !now.After(w.Start) {
		return 0
	}
	n := int(now.Sub(w.Start) / w.Period)
	if n < 0 {
		return 0
	}
	return n
}

func (w *TimeWindow) keyAt(i int) model.PartitionKey {
	return model.PartitionKey(w.Start.Add(time.Duration(i) * w.Period).In(w.loc()).Format(w.Format))
}

func (w *TimeWindow) Exists(key model.PartitionKey, now time.Time) bool {
	start, err := time.ParseInLocation(w.Format, string(key), w.loc())
	if err != nil {
		return false
	}
	if start.Before(w.Start) {
		return false
	}
	// key must land exactly on a window boundary and be complete as of now
	offset := start.Sub(w.Start)
	if offset%w.Period != 0 {
		return false
	}
	return int(offset/w.Period) < w.windowCount(now)
}

func (w *TimeWindow) Keys(now time.Time) []model.PartitionKey {
	n := w.windowCount(now)
	keys := make([]model.PartitionKey, n)
	for i := 0; i < n; i++ {
		keys[i] = w.keyAt(i)
	}
	return keys
}

// LastKey returns the most recent complete window as of now: the window
// whose end is at or before now.
func (w *TimeWindow) LastKey(now time.Time) (model.PartitionKey, bool) {
	n := w.windowCount(now)
	if n == 0 {
		return "", false
	}
	return w.keyAt(n - 1), true
}

// TimeComponentOf extracts the time dimension of a scheme: a TimeWindow is
// its own time component, a Multi exposes its time dimension, and any other
// scheme has none.
func TimeComponentOf(s model.PartitionScheme) *TimeWindow {
	switch v := s.(type) {
	case *TimeWindow:
		return v
	case *Multi:
		return v.Time
	}
	return nil
}
