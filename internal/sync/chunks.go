package sync

import (
	"time"

	"github.com/hensonwx/wxsync/internal/models"
)

// SplitChunks partitions the inclusive date range [start, end] into
// consecutive windows of at most chunkDays days. The chunks tile the range
// exactly: no gaps, no overlaps, last chunk truncated to end.
func SplitChunks(start, end time.Time, chunkDays int) []models.Chunk {
	if chunkDays < 1 {
		chunkDays = 1
	}
	start = midnight(start)
	end = midnight(end)
	if end.Before(start) {
		return nil
	}

	var chunks []models.Chunk
	for cur := start; !cur.After(end); {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, models.Chunk{Start: cur, End: chunkEnd})
		cur = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
