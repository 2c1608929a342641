package scheme

import (
	"reflect"
	"testing"
	"time"

	"github.com/me/matsched/pkg/model"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestStatic(t *testing.T) {
	s := NewStatic("us", "eu", "us", "ap")
	now := time.Now()

	want := []model.PartitionKey{"ap", "eu", "us"}
	if got := s.Keys(now); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
	if !s.Exists("eu", now) || s.Exists("sa", now) {
		t.Error("Exists gave wrong membership")
	}
	if last, ok := s.LastKey(now); !ok || last != "us" {
		t.Errorf("LastKey = %q, %v, want us, true", last, ok)
	}
	if _, ok := NewStatic().LastKey(now); ok {
		t.Error("empty scheme should have no last key")
	}
}

func TestDynamic(t *testing.T) {
	live := []model.PartitionKey{"b", "a"}
	d := &Dynamic{Fetch: func() []model.PartitionKey { return live }}
	now := time.Now()

	if got := d.Keys(now); !reflect.DeepEqual(got, []model.PartitionKey{"a", "b"}) {
		t.Errorf("Keys = %v, want [a b]", got)
	}

	live = append(live, "c")
	if !d.Exists("c", now) {
		t.Error("Exists should see newly discovered partition")
	}
	if last, _ := d.LastKey(now); last != "c" {
		t.Errorf("LastKey = %q, want c", last)
	}
}

func TestTimeWindow_Daily(t *testing.T) {
	start := mustParse(t, "2006-01-02", "2024-01-01")
	w := Daily(start)

	// 00:01 on the 3rd: two complete days exist
	now := mustParse(t, "2006-01-02T15:04", "2024-01-03T00:01")
	want := []model.PartitionKey{"2024-01-01", "2024-01-02"}
	if got := w.Keys(now); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
	if last, ok := w.LastKey(now); !ok || last != "2024-01-02" {
		t.Errorf("LastKey = %q, %v, want 2024-01-02, true", last, ok)
	}

	if w.Exists("2024-01-03", now) {
		t.Error("incomplete window should not exist")
	}
	if w.Exists("2023-12-31", now) {
		t.Error("window before start should not exist")
	}
	if w.Exists("not-a-date", now) {
		t.Error("unparseable key should not exist")
	}
}

func TestTimeWindow_BeforeFirstCompleteWindow(t *testing.T) {
	start := mustParse(t, "2006-01-02", "2024-01-01")
	w := Daily(start)
	now := mustParse(t, "2006-01-02T15:04", "2024-01-01T12:00")

	if got := w.Keys(now); len(got) != 0 {
		t.Errorf("Keys = %v, want none before the first window completes", got)
	}
	if _, ok := w.LastKey(now); ok {
		t.Error("LastKey should report no complete window")
	}
}

func TestTimeWindow_Hourly(t *testing.T) {
	start := mustParse(t, "2006-01-02", "2024-01-01")
	w := Hourly(start)
	now := mustParse(t, "2006-01-02T15:04", "2024-01-01T02:30")

	want := []model.PartitionKey{"2024-01-01-00", "2024-01-01-01"}
	if got := w.Keys(now); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestMulti(t *testing.T) {
	start := mustParse(t, "2006-01-02", "2024-01-01")
	m := NewMulti(Daily(start), "us", "eu")
	now := mustParse(t, "2006-01-02T15:04", "2024-01-02T06:00")

	want := []model.PartitionKey{"2024-01-01|eu", "2024-01-01|us"}
	if got := m.Keys(now); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
	if !m.Exists("2024-01-01|us", now) {
		t.Error("Exists should accept a live two-dimensional key")
	}
	if m.Exists("2024-01-01|sa", now) || m.Exists("2024-01-01", now) {
		t.Error("Exists should reject unknown secondary keys and undelimited keys")
	}
	if last, ok := m.LastKey(now); !ok || last != "2024-01-01|us" {
		t.Errorf("LastKey = %q, %v, want 2024-01-01|us, true", last, ok)
	}
	if got := m.KeysWithTimeKey("2024-01-05"); !reflect.DeepEqual(got, []model.PartitionKey{"2024-01-05|eu", "2024-01-05|us"}) {
		t.Errorf("KeysWithTimeKey = %v", got)
	}
}

func TestTimeComponentOf(t *testing.T) {
	start := mustParse(t, "2006-01-02", "2024-01-01")
	tw := Daily(start)

	if got := TimeComponentOf(tw); got != tw {
		t.Error("TimeWindow should be its own time component")
	}
	if got := TimeComponentOf(NewMulti(tw, "us")); got != tw {
		t.Error("Multi should expose its time dimension")
	}
	if got := TimeComponentOf(NewStatic("a")); got != nil {
		t.Error("static scheme has no time component")
	}
}
