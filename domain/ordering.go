package domain

import "sort"

// DefaultRebalanceEpsilon is the adjacent-gap threshold below which a column
// is considered close to float-precision collapse and gets renumbered.
const DefaultRebalanceEpsilon = 1e-9

// OrderBetween computes a fractional order value strictly between two
// neighbors. Either neighbor may be nil: nil prev means insertion at the
// head, nil next insertion at the tail, both nil an empty container.
func OrderBetween(prev, next *float64) float64 {
	switch {
	case prev == nil && next == nil:
		return 0
	case prev == nil:
		return *next - 1
	case next == nil:
		return *prev + 1
	default:
		return (*prev + *next) / 2
	}
}

// OrderForInsert computes the order value for inserting at index into a
// container whose current orders are given in list order. The moved entity
// must already be absent from orders. index is clamped to [0, len(orders)].
func OrderForInsert(orders []float64, index int) float64 {
	if index < 0 {
		index = 0
	}
	if index > len(orders) {
		index = len(orders)
	}
	var prev, next *float64
	if index > 0 {
		prev = &orders[index-1]
	}
	if index < len(orders) {
		next = &orders[index]
	}
	return OrderBetween(prev, next)
}

// AppendOrder returns the order value for a freshly created entity: past the
// current maximum, or 0 for an empty container.
func AppendOrder(orders []float64) float64 {
	if len(orders) == 0 {
		return 0
	}
	max := orders[0]
	for _, o := range orders[1:] {
		if o > max {
			max = o
		}
	}
	return max + 1
}

// NormalizeSequential renumbers a full container. Position i receives the
// midpoint of the previously assigned value and the original value of the
// entity after it, so each step sees the already-updated left neighbor.
// When the caller's sequence disagrees with the current values — a backward
// drag puts a small order after a large one — the original next value is no
// longer a valid upper bound and is ignored, so the output is always
// strictly increasing in the requested sequence. Reapplying the function to
// its own output preserves relative order.
func NormalizeSequential(orders []float64) []float64 {
	out := make([]float64, len(orders))
	for i := range orders {
		var prev, next *float64
		if i > 0 {
			prev = &out[i-1]
		}
		if i+1 < len(orders) {
			next = &orders[i+1]
		}
		if prev != nil && next != nil && *next <= *prev {
			next = nil
		}
		out[i] = OrderBetween(prev, next)
	}
	return out
}

// RespaceIntegers assigns integer-spaced orders 0, 1, 2, … to n positions.
// Batch moves rebuild whole containers with this spacing so repeated batch
// operations never accumulate float drift.
func RespaceIntegers(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// NeedsRebalance reports whether any two adjacent order values in the sorted
// container differ by less than epsilon, meaning midpoint insertion at that
// position is about to exhaust float precision.
func NeedsRebalance(orders []float64, epsilon float64) bool {
	if len(orders) < 2 {
		return false
	}
	sorted := append([]float64(nil), orders...)
	sort.Float64s(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < epsilon {
			return true
		}
	}
	return false
}

// SortTasks orders tasks by Order ascending, ties broken by ID ascending so
// two clients holding the same data always render the same sequence.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// SortProjects orders projects the same way tasks are ordered.
func SortProjects(projects []Project) {
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Order != projects[j].Order {
			return projects[i].Order < projects[j].Order
		}
		return projects[i].ID < projects[j].ID
	})
}
