package availability

import "slices"

// interval is a half-open minute range [start, end) within one day.
type interval struct {
	start, end int
}

func (iv interval) valid() bool { return iv.start < iv.end }
func (iv interval) length() int { return iv.end - iv.start }

// union merges overlapping or touching intervals into a sorted list.
func union(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := slices.Clone(ivs)
	slices.SortFunc(sorted, func(a, b interval) int { return a.start - b.start })

	out := []interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if iv.start <= last.end {
			last.end = max(last.end, iv.end)
			continue
		}
		out = append(out, iv)
	}
	return out
}

// intersect expects both inputs normalized by union.
func intersect(a, b []interval) []interval {
	var out []interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		iv := interval{max(a[i].start, b[j].start), min(a[i].end, b[j].end)}
		if iv.valid() {
			out = append(out, iv)
		}
		if a[i].end < b[j].end {
			i++
		} else {
			j++
		}
	}
	return out
}

// subtract removes every minute of cut from base; both normalized.
func subtract(base, cut []interval) []interval {
	var out []interval
	for _, iv := range base {
		cur := iv
		for _, c := range cut {
			if c.end <= cur.start || c.start >= cur.end {
				continue
			}
			if c.start > cur.start {
				out = append(out, interval{cur.start, c.start})
			}
			cur.start = max(cur.start, c.end)
			if !cur.valid() {
				break
			}
		}
		if cur.valid() {
			out = append(out, cur)
		}
	}
	return out
}
