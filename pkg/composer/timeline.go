package composer

import (
	"golang.org/x/exp/slices"
)

// MediaPoint is a transient sweep-line event: a media interval opening or
// closing at a point in time. Points are only used to build steps and are
// never persisted.
type MediaPoint struct {
	Time    int64
	Open    bool
	MediaID int
}

// buildTimeline emits an open and a close point for every media interval,
// ordered by time with closes before opens at equal times so the active set
// is settled before a boundary is consumed.
func buildTimeline(medias []*Media) []MediaPoint {
	points := make([]MediaPoint, 0, len(medias)*2)

	for _, m := range medias {
		points = append(points,
			MediaPoint{Time: m.StartTime, Open: true, MediaID: m.ID},
			MediaPoint{Time: m.EndTime(), Open: false, MediaID: m.ID},
		)
	}

	slices.SortStableFunc(points, func(a, b MediaPoint) int {
		switch {
		case a.Time != b.Time:
			return int(a.Time - b.Time)
		case !a.Open && b.Open:
			return -1
		case a.Open && !b.Open:
			return 1
		default:
			return 0
		}
	})

	return points
}

// BuildSteps sweeps the timeline left to right and cuts one step per segment
// between consecutive distinct boundaries, each carrying a snapshot of the
// media active during that segment. The resulting steps are contiguous,
// non-overlapping, ordered by time, and their union covers the whole
// recorded range.
func BuildSteps(medias []*Media, size Size, displayName string) []*Step {
	byID := make(map[int]*Media, len(medias))
	for _, m := range medias {
		byID[m.ID] = m
	}

	points := buildTimeline(medias)

	var (
		steps    []*Step
		active   []*Media
		started  bool
		prevTime int64
	)

	for _, point := range points {
		if started && point.Time != prevTime {
			steps = append(steps, newStep(len(steps), slices.Clone(active), prevTime, point.Time, size, displayName))
		}

		if point.Open {
			active = append(active, byID[point.MediaID])
		} else {
			idx := slices.IndexFunc(active, func(m *Media) bool { return m.ID == point.MediaID })
			if idx >= 0 {
				active = slices.Delete(active, idx, idx+1)
			}
		}

		started = true
		prevTime = point.Time
	}

	return steps
}
