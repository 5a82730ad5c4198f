package artifacts

import (
	"sync"
	"time"

	"github.com/httprunner/RecoveryAgent/pkg/recovery"
)

// TimestampAllocator hands out timestamps that are distinct across the
// whole process and not already used on disk. Job artifacts and reports
// share the allocator, so a job's report name build_report_{timestamp}.json
// is never claimed by another job or by a batch report.
type TimestampAllocator struct {
	mu    sync.Mutex
	last  time.Time
	store *Store
}

// NewTimestampAllocator may be given a nil store.
func NewTimestampAllocator(store *Store) *TimestampAllocator {
	return &TimestampAllocator{store: store}
}

// Reserve returns now, or the next free second after the last reservation.
func (a *TimestampAllocator) Reserve(codename string, kind recovery.Kind, now time.Time) string {
	t := a.next(now, func(ts string) bool {
		return a.taken(Identity{Codename: codename, Recovery: kind, Timestamp: ts})
	})
	return FormatTimestamp(t)
}

// ReserveReport returns the time a batch report is generated at. Its
// second is free for build_report_{timestamp}.json.
func (a *TimestampAllocator) ReserveReport(now time.Time) time.Time {
	return a.next(now, func(string) bool { return false })
}

func (a *TimestampAllocator) next(now time.Time, taken func(ts string) bool) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := now.Truncate(time.Second)
	if !a.last.IsZero() && !t.After(a.last) {
		t = a.last.Add(time.Second)
	}
	for {
		ts := FormatTimestamp(t)
		if !taken(ts) && !a.exists(ReportFileName(ts)) {
			break
		}
		t = t.Add(time.Second)
	}
	a.last = t
	return t
}

func (a *TimestampAllocator) taken(id Identity) bool {
	for _, kind := range []Kind{KindImage, KindZip, KindLog} {
		name, err := FileName(id, kind)
		if err != nil {
			return false
		}
		if a.exists(name) {
			return true
		}
	}
	return false
}

func (a *TimestampAllocator) exists(name string) bool {
	return a.store != nil && a.store.Exists(name)
}
