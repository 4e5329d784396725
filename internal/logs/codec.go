package logs

import (
	"sort"
	"time"

	"github.com/oicur0t/devlogs/pkg/models"
)

// ToStreams groups entries by their label set. Streams appear in order of
// their first entry; each stream is sorted by NanoTimestamp, keeping arrival
// order for equal timestamps. Entries without a NanoTimestamp get one
// derived from their millisecond timestamp. The input is not modified.
func ToStreams(ctx models.LogContext, entries []models.LogEntry) []models.LogStream {
	index := make(map[string]int)
	var streams []models.LogStream

	for _, e := range entries {
		e = e.Clone()
		if e.NanoTimestamp == 0 {
			e.NanoTimestamp = e.Timestamp * int64(time.Millisecond)
		}
		labels := models.EntryLabels(ctx, e)
		key := labels.String()
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, models.LogStream{Labels: labels})
		}
		streams[i].Entries = append(streams[i].Entries, e)
	}

	for i := range streams {
		entries := streams[i].Entries
		sort.SliceStable(entries, func(a, b int) bool {
			return entries[a].NanoTimestamp < entries[b].NanoTimestamp
		})
	}
	return streams
}

// ToEntries merges streams into a single sequence ordered by receipt time.
// Entries received together keep the order of their nanosecond timestamps.
func ToEntries(streams []models.LogStream) []models.LogEntry {
	n := 0
	for _, s := range streams {
		n += len(s.Entries)
	}
	out := make([]models.LogEntry, 0, n)
	for _, s := range streams {
		for _, e := range s.Entries {
			out = append(out, e.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedAt != out[b].CreatedAt {
			return out[a].CreatedAt < out[b].CreatedAt
		}
		return out[a].NanoTimestamp < out[b].NanoTimestamp
	})
	return out
}

// ResolveCollisions makes the timestamps of a sorted stream strictly
// increasing. Any entry not after its predecessor is moved to
// predecessor+1ns; floor is the timestamp of the last entry already in the
// store for this stream, or 0. Entry order never changes and nothing is
// dropped. The input stream is not modified.
func ResolveCollisions(s models.LogStream, floor int64) models.LogStream {
	out := models.LogStream{
		Labels:  s.Labels,
		Entries: make([]models.LogEntry, len(s.Entries)),
	}
	prev := floor
	for i, e := range s.Entries {
		if e.NanoTimestamp <= prev {
			e.NanoTimestamp = prev + 1
		}
		out.Entries[i] = e
		prev = e.NanoTimestamp
	}
	return out
}
