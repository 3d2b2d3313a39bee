// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package relay

// slot holds at most one pending value. Put never blocks: a value that was
// not taken yet is replaced by the new one.
type slot[T any] struct {
	ch   chan T
	wake chan struct{}
}

func newSlot[T any](wake chan struct{}) *slot[T] {
	return &slot[T]{
		ch:   make(chan T, 1),
		wake: wake,
	}
}

// Put stores the value and reports whether a pending value was overwritten
func (s *slot[T]) Put(v T) (overwritten bool) {
	for {
		select {
		case s.ch <- v:
			s.notify()
			return overwritten
		default:
		}
		select {
		case <-s.ch:
			overwritten = true
		default:
		}
	}
}

// Take removes the pending value, if any
func (s *slot[T]) Take() (v T, ok bool) {
	select {
	case v = <-s.ch:
		return v, true
	default:
		return v, false
	}
}

func (s *slot[T]) notify() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
