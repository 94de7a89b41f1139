package tablet

import (
	"fmt"
	"sort"
)

// Version is a closed range of versions covered by a rowset.
type Version struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// String returns the bracketed range form used in logs.
func (v Version) String() string {
	return fmt.Sprintf("[%d-%d]", v.Start, v.End)
}

// Contains returns true if other lies entirely within v.
func (v Version) Contains(other Version) bool {
	return v.Start <= other.Start && other.End <= v.End
}

// Versions is a list of version ranges.
type Versions []Version

// Sort orders the ranges by ascending start version.
func (a Versions) Sort() {
	sort.Slice(a, func(i, j int) bool { return a[i].Start < a[j].Start })
}

// Starts returns the start version of every range, in order.
func (a Versions) Starts() []int64 {
	starts := make([]int64, 0, len(a))
	for _, v := range a {
		starts = append(starts, v.Start)
	}
	return starts
}

// missedVersions returns the versions in [0, target] not covered by the
// existing ranges, as singleton ranges in ascending order. existing is
// sorted in place.
func missedVersions(existing Versions, target int64) Versions {
	existing.Sort()

	var missed Versions
	last := int64(-1)
	for _, v := range existing {
		if v.Start > last+1 {
			for i := last + 1; i < v.Start && i <= target; i++ {
				missed = append(missed, Version{Start: i, End: i})
			}
		}
		if v.End > last {
			last = v.End
		}
		if last >= target {
			break
		}
	}
	for i := last + 1; i <= target; i++ {
		missed = append(missed, Version{Start: i, End: i})
	}
	return missed
}

// maxContinuousVersion returns the highest version reachable from 0 with no
// gaps, or -1 if version 0 itself is absent. existing is sorted in place.
func maxContinuousVersion(existing Versions) int64 {
	existing.Sort()

	last := int64(-1)
	for _, v := range existing {
		if v.Start > last+1 {
			break
		}
		if v.End > last {
			last = v.End
		}
	}
	return last
}
