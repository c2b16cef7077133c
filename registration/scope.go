package registration

import (
	"fmt"
	"log"
)

// scope owns every temporary a registration call creates: budget
// reservations, sampled meshes, probe subsets, reference views and staged
// scalar channels. Release runs the tracked cleanups in reverse order and is
// deferred by the entry points so it runs on every exit path.
type scope struct {
	budget   *Budget
	reserved int64
	cleanups []func() error
	released bool
}

func newScope(budget *Budget) *scope {
	return &scope{budget: budget}
}

func (s *scope) reserve(n int64) error {
	if err := s.budget.Reserve(n); err != nil {
		return err
	}
	s.reserved += n
	return nil
}

// track registers a cleanup to run on Release.
func (s *scope) track(cleanup func() error) {
	s.cleanups = append(s.cleanups, cleanup)
}

// release frees every temporary. Cleanup errors are logged, not returned:
// the registration outcome has already been decided by then.
func (s *scope) release() {
	if s.released {
		return
	}
	s.released = true
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](); err != nil {
			log.Printf("Warning: releasing registration temporary: %v", err)
		}
	}
	s.cleanups = nil
	s.budget.Release(s.reserved)
	s.reserved = 0
}

// stageChannel creates a temporary scalar channel on set and makes it active.
// The previously active channel is restored and the temporary deleted when
// the scope is released. Sets without channel support are skipped.
func (s *scope) stageChannel(set PointSet, name string) ([]float64, error) {
	ch, ok := set.(ScalarChannels)
	if !ok {
		return nil, nil
	}
	if err := s.reserve(int64(set.Size()) * bytesPerFloat); err != nil {
		return nil, err
	}

	prev, hadPrev := ch.ActiveChannel()
	name = uniqueChannelName(ch, name)
	if err := ch.CreateChannel(name); err != nil {
		return nil, err
	}
	s.track(func() error {
		if hadPrev {
			if err := ch.SetActiveChannel(prev); err != nil {
				return err
			}
		} else {
			ch.ClearActiveChannel()
		}
		return ch.DeleteChannel(name)
	})
	if err := ch.SetActiveChannel(name); err != nil {
		return nil, err
	}
	values, _ := ch.Channel(name)
	return values, nil
}

// uniqueChannelName never returns the name of a caller-owned channel.
func uniqueChannelName(ch ScalarChannels, name string) string {
	candidate := name
	for i := 2; ; i++ {
		if _, exists := ch.Channel(candidate); !exists {
			return candidate
		}
		candidate = fmt.Sprintf("%s #%d", name, i)
	}
}
