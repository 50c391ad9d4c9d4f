package backends

import "sync/atomic"

// Selection is the process-wide "currently selected backend" cell.
// Reads and writes are atomic; concurrent switches are last-write-wins and a
// request observes whichever value is current when it reads.
type Selection struct {
	id atomic.Int64
}

// NewSelection creates a selection initialised to id
func NewSelection(id int) *Selection {
	s := &Selection{}
	s.id.Store(int64(id))
	return s
}

// Current returns the selected backend id
func (s *Selection) Current() int {
	return int(s.id.Load())
}

// Set replaces the selected id and returns the previous one
func (s *Selection) Set(id int) int {
	return int(s.id.Swap(int64(id)))
}
