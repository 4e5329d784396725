package logs

import (
	"math"

	"github.com/oicur0t/devlogs/pkg/models"
)

// Stitcher joins a historical snapshot with a live feed that was opened
// before the snapshot was taken. A live entry is admitted only if it sorts
// after the newest snapshot entry, so entries the snapshot holds or left
// out by its limit are never delivered late.
type Stitcher struct {
	createdAt int64
	nano      int64
}

// NewStitcher remembers where the snapshot ends. fetchedAt is the receipt
// time in milliseconds at which the snapshot was read; it bounds an empty
// snapshot.
func NewStitcher(snapshot []models.LogEntry, fetchedAt int64) *Stitcher {
	if len(snapshot) == 0 {
		// Anything received from fetchedAt on is newer than the read.
		return &Stitcher{createdAt: fetchedAt, nano: math.MinInt64}
	}
	s := &Stitcher{createdAt: math.MinInt64, nano: math.MinInt64}
	for _, e := range snapshot {
		if after(e.CreatedAt, e.NanoTimestamp, s.createdAt, s.nano) {
			s.createdAt, s.nano = e.CreatedAt, e.NanoTimestamp
		}
	}
	return s
}

// Admit reports whether a live entry should be delivered.
func (s *Stitcher) Admit(e models.LogEntry) bool {
	return after(e.CreatedAt, e.NanoTimestamp, s.createdAt, s.nano)
}

// after orders entries the way ToEntries does.
func after(createdAt, nano, refCreatedAt, refNano int64) bool {
	if createdAt != refCreatedAt {
		return createdAt > refCreatedAt
	}
	return nano > refNano
}
