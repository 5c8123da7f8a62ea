package pipeline

import (
	"cmp"
	"slices"
	"time"

	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
)

type blockPlan struct {
	IngestionTime model.TimeRange
	Extents       []string
	Rows          int64
}

func sortSamples(samples []engine.Sample) {
	slices.SortStableFunc(samples, func(a, b engine.Sample) int {
		if c := a.IngestionTime.Compare(b.IngestionTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ExtentID, b.ExtentID)
	})
}

// planBlocks merges samples, sorted by ingestion time then extent, into
// blocks of at most rowsPerBlock rows drawn from a single extent. A block is
// only closed between two distinct ingestion times, so a sample sharing the
// previous sample's time joins its block even past the row cap. Blocks of
// one call therefore never overlap in time.
func planBlocks(samples []engine.Sample, rowsPerBlock int64) []blockPlan {
	var out []blockPlan
	var cur *blockPlan
	var curExtent string
	for _, s := range samples {
		if cur != nil {
			sameInstant := s.IngestionTime.Equal(cur.IngestionTime.End)
			fits := cur.Rows+s.RowCount <= rowsPerBlock && s.ExtentID == curExtent
			if sameInstant || fits {
				cur.IngestionTime.End = s.IngestionTime
				cur.Rows += s.RowCount
				if !slices.Contains(cur.Extents, s.ExtentID) {
					cur.Extents = append(cur.Extents, s.ExtentID)
				}
				continue
			}
			out = append(out, *cur)
		}
		cur = &blockPlan{
			IngestionTime: model.TimeRange{Start: s.IngestionTime, End: s.IngestionTime},
			Extents:       []string{s.ExtentID},
			Rows:          s.RowCount,
		}
		curExtent = s.ExtentID
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// trimPage drops the trailing samples that share the last ingestion time of
// a full page: the next page starts strictly after the last planned time and
// would otherwise skip them. ok is false when the whole page shares one time.
func trimPage(samples []engine.Sample) (kept []engine.Sample, ok bool) {
	if len(samples) == 0 {
		return samples, true
	}
	last := samples[len(samples)-1].IngestionTime
	end := len(samples)
	for end > 0 && samples[end-1].IngestionTime.Equal(last) {
		end--
	}
	if end == 0 {
		return nil, false
	}
	return samples[:end], true
}

func uniqueExtents(samples []engine.Sample) []string {
	seen := make(map[string]struct{}, len(samples))
	var out []string
	for _, s := range samples {
		if _, ok := seen[s.ExtentID]; ok {
			continue
		}
		seen[s.ExtentID] = struct{}{}
		out = append(out, s.ExtentID)
	}
	slices.Sort(out)
	return out
}

// latestCreation is the newest creation time among a block's extents.
func latestCreation(extents []string, created map[string]time.Time) time.Time {
	var latest time.Time
	for _, id := range extents {
		if t := created[id]; t.After(latest) {
			latest = t
		}
	}
	return latest
}
