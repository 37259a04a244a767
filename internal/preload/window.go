// Package preload decides which slides to cache, and in what order, from
// the current position and network quality.
package preload

import "github.com/haasonsaas/slidecast/internal/platform"

// Radius is the number of slides cached on each side of the position.
func Radius(q platform.Quality) int {
	switch q {
	case platform.QualityFast:
		return 5
	case platform.QualitySlow:
		return 2
	default:
		return 3
	}
}

// Window is an inclusive range of slide numbers. First > Last means empty.
type Window struct {
	First int
	Last  int
}

// ComputeWindow returns [max(1, position-N), min(last, position+N)] for the
// radius N of q.
func ComputeWindow(position, last int, q platform.Quality) Window {
	if last < 1 {
		return Window{First: 1, Last: 0}
	}
	n := Radius(q)
	first := max(1, position-n)
	end := min(last, position+n)
	return Window{First: first, Last: end}
}

// Empty reports whether the window holds no slides.
func (w Window) Empty() bool {
	return w.First > w.Last
}

// Contains reports whether slide n is inside the window.
func (w Window) Contains(n int) bool {
	return n >= w.First && n <= w.Last
}

// Len returns the number of slides in the window.
func (w Window) Len() int {
	if w.Empty() {
		return 0
	}
	return w.Last - w.First + 1
}

// Entering returns the slides of next that are not in w, in ascending order.
func (w Window) Entering(next Window) []int {
	var out []int
	for n := next.First; n <= next.Last; n++ {
		if !w.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}
