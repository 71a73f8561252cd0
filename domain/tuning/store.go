package tuning

import (
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of the tuning read once per tick.
type Snapshot struct {
	Color   ColorRange
	Params  Params
	Version uint64
}

// Store owns the current Snapshot. Readers load it without locking; writers
// build a replacement and swap it in. The write mutex only orders writers
// coming from different calibration surfaces.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
}

// NewStore validates the initial values and returns a store holding them.
func NewStore(color ColorRange, params Params) (*Store, error) {
	if err := color.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&Snapshot{Color: color, Params: params, Version: 1})
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() Snapshot {
	return *s.current.Load()
}

// ColorRange returns the committed color range.
func (s *Store) ColorRange() ColorRange {
	return s.current.Load().Color
}

// Params returns the committed parameters.
func (s *Store) Params() Params {
	return s.current.Load().Params
}

// CommitColorRange replaces the color range. An invalid range leaves the
// previous one in place.
func (s *Store) CommitColorRange(r ColorRange) (Snapshot, error) {
	if err := r.Validate(); err != nil {
		return s.Load(), err
	}
	return s.swap(func(next *Snapshot) { next.Color = r }), nil
}

// CommitParams replaces the parameters. Invalid parameters leave the previous
// ones in place.
func (s *Store) CommitParams(p Params) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return s.Load(), err
	}
	return s.swap(func(next *Snapshot) { next.Params = p }), nil
}

// EditParams derives new parameters from the committed ones and commits them
// while holding the write lock, so two partial updates cannot overwrite each
// other. An error from edit or from validation leaves the store unchanged.
func (s *Store) EditParams(edit func(current Params) (Params, error)) (Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	p, err := edit(cur.Params)
	if err != nil {
		return *cur, err
	}
	if err := p.Validate(); err != nil {
		return *cur, err
	}
	return s.swapLocked(func(next *Snapshot) { next.Params = p }), nil
}

func (s *Store) swap(mutate func(next *Snapshot)) Snapshot {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.swapLocked(mutate)
}

func (s *Store) swapLocked(mutate func(next *Snapshot)) Snapshot {
	next := *s.current.Load()
	mutate(&next)
	next.Version++
	s.current.Store(&next)
	return next
}
