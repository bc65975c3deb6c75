// Package reconcile merges freshly scheduled events with the user's pinned
// events. Pins always win.
package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/msageha/ptm/internal/model"
)

// Drop describes a new event removed during the merge.
type Drop struct {
	Event  model.ScheduleEvent
	PinID  string // pin it collided with; empty when dropped with a sibling part
	Detail string
}

type MergeResult struct {
	Events             []model.ScheduleEvent
	Dropped            []Drop
	UnscheduledTaskIDs []string // tasks that lost their placement in this merge
}

// Merge keeps every pin and every new event that does not collide with one.
// When any part of a task collides, all parts of that task are dropped so a
// task is never left partially scheduled. Events already marked as manual
// overrides in newEvents are treated as pins.
func Merge(newEvents, pinned []model.ScheduleEvent) MergeResult {
	pins := slices.Clone(pinned)
	var fresh []model.ScheduleEvent
	seen := make(map[string]bool, len(pins))
	for _, p := range pins {
		seen[p.ID] = true
	}
	for _, e := range newEvents {
		switch {
		case e.IsManualOverride && !seen[e.ID]:
			pins = append(pins, e)
			seen[e.ID] = true
		case !e.IsManualOverride:
			fresh = append(fresh, e)
		}
	}

	collided := make(map[string]model.ScheduleEvent) // task id -> pin hit
	hit := make(map[string]string)                    // event id -> pin id
	for _, e := range fresh {
		for _, p := range pins {
			if p.Occupies() && e.Overlaps(p) {
				hit[e.ID] = p.ID
				if _, ok := collided[e.SourceTaskID]; !ok {
					collided[e.SourceTaskID] = p
				}
				break
			}
		}
	}

	var res MergeResult
	res.Events = pins
	for _, e := range fresh {
		pin, lost := collided[e.SourceTaskID]
		if !lost {
			res.Events = append(res.Events, e)
			continue
		}
		d := Drop{Event: e}
		if id, ok := hit[e.ID]; ok {
			d.PinID = id
			d.Detail = fmt.Sprintf("overlaps pinned event %s", id)
		} else {
			d.Detail = fmt.Sprintf("sibling part collided with pinned event %s", pin.ID)
		}
		res.Dropped = append(res.Dropped, d)
	}

	for taskID := range collided {
		res.UnscheduledTaskIDs = append(res.UnscheduledTaskIDs, taskID)
	}
	slices.Sort(res.UnscheduledTaskIDs)
	slices.SortFunc(res.Events, func(a, b model.ScheduleEvent) int {
		return cmp.Or(
			cmp.Compare(a.DateMs, b.DateMs),
			cmp.Compare(a.StartMin, b.StartMin),
			strings.Compare(a.ID, b.ID),
		)
	})
	return res
}
