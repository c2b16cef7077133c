package registration

import (
	"fmt"
	"sync"

	"github.com/golang/geo/r3"
)

const (
	bytesPerFloat  = 8
	bytesPerIndex  = 8
	bytesPerVector = 24
)

// Budget tracks bytes reserved by one registration run. A zero limit means
// unlimited. Reservations that would exceed the limit fail with
// ErrInsufficientMemory before anything is allocated.
type Budget struct {
	limit int64
	used  int64
	peak  int64
	mu    sync.Mutex
}

// NewBudget creates a budget capped at limit bytes (0 = unlimited).
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Reserve claims n bytes.
func (b *Budget) Reserve(n int64) error {
	if b == nil || n <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return fmt.Errorf("reserving %d bytes (%d/%d in use): %w", n, b.used, b.limit, ErrInsufficientMemory)
	}
	b.used += n
	if b.used > b.peak {
		b.peak = b.used
	}
	return nil
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// Used returns the bytes currently reserved.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Peak returns the high-water mark of reserved bytes.
func (b *Budget) Peak() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// allocFloats reserves and allocates n float64 values, tracked by s.
func (s *scope) allocFloats(n int) ([]float64, error) {
	if err := s.reserve(int64(n) * bytesPerFloat); err != nil {
		return nil, err
	}
	return make([]float64, n), nil
}

// allocInts reserves and allocates n ints, tracked by s.
func (s *scope) allocInts(n int) ([]int, error) {
	if err := s.reserve(int64(n) * bytesPerIndex); err != nil {
		return nil, err
	}
	return make([]int, n), nil
}

// allocVectors reserves and allocates n vectors, tracked by s.
func (s *scope) allocVectors(n int) ([]r3.Vector, error) {
	if err := s.reserve(int64(n) * bytesPerVector); err != nil {
		return nil, err
	}
	return make([]r3.Vector, n), nil
}
