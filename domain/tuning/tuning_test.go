package tuning

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorRangeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		r       ColorRange
		wantErr bool
	}{
		{"default", DefaultColorRange(), false},
		{"degenerate single value", ColorRange{Lower: HSV{10, 10, 10}, Upper: HSV{10, 10, 10}}, false},
		{"full range", ColorRange{Lower: HSV{0, 0, 0}, Upper: HSV{179, 255, 255}}, false},
		{"hue inverted", ColorRange{Lower: HSV{70, 0, 0}, Upper: HSV{60, 255, 255}}, true},
		{"saturation inverted", ColorRange{Lower: HSV{0, 200, 0}, Upper: HSV{179, 100, 255}}, true},
		{"value inverted", ColorRange{Lower: HSV{0, 0, 255}, Upper: HSV{179, 255, 254}}, true},
		{"hue above limit", ColorRange{Lower: HSV{0, 0, 0}, Upper: HSV{180, 255, 255}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidColorRange))
			var vErr *ValidationError
			assert.True(t, errors.As(err, &vErr))
		})
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultParams().Validate())

	mutations := map[string]func(p *Params){
		"min speed above max": func(p *Params) { p.MinSpeed = 256; p.MaxSpeed = 255 },
		"max speed too large": func(p *Params) { p.MaxSpeed = 300 },
		"equal area bounds":   func(p *Params) { p.MinArea = 100; p.MaxArea = 100 },
		"zero interval":       func(p *Params) { p.CommandInterval = 0 },
		"negative dead zone":  func(p *Params) { p.DeadZone = -1 },
	}
	for name, mutate := range mutations {
		p := DefaultParams()
		mutate(&p)
		err := p.Validate()
		assert.ErrorIs(t, err, ErrInvalidParams, name)
	}

	p := DefaultParams()
	p.MinSpeed, p.MaxSpeed = 200, 200
	assert.NoError(t, p.Validate(), "min speed may equal max speed")
}

func TestStoreCommitRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(DefaultColorRange(), DefaultParams())
	require.NoError(t, err)

	next := ColorRange{Lower: HSV{H: 100, S: 50, V: 60}, Upper: HSV{H: 130, S: 255, V: 255}}
	snap, err := store.CommitColorRange(next)
	require.NoError(t, err)
	assert.Equal(t, next, snap.Color)
	assert.Equal(t, next, store.ColorRange())
	assert.Equal(t, uint64(2), snap.Version)
}

func TestStoreRejectsInvalidAndKeepsPrevious(t *testing.T) {
	t.Parallel()

	store, err := NewStore(DefaultColorRange(), DefaultParams())
	require.NoError(t, err)

	bad := ColorRange{Lower: HSV{H: 90, S: 0, V: 0}, Upper: HSV{H: 80, S: 255, V: 255}}
	snap, err := store.CommitColorRange(bad)
	require.ErrorIs(t, err, ErrInvalidColorRange)
	assert.Equal(t, DefaultColorRange(), snap.Color)
	assert.Equal(t, DefaultColorRange(), store.ColorRange())
	assert.Equal(t, uint64(1), store.Load().Version)

	badParams := DefaultParams()
	badParams.CommandInterval = -time.Second
	_, err = store.CommitParams(badParams)
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Equal(t, DefaultParams(), store.Params())
}

func TestStoreConcurrentWritersAreWholeValue(t *testing.T) {
	t.Parallel()

	store, err := NewStore(DefaultColorRange(), DefaultParams())
	require.NoError(t, err)

	a := ColorRange{Lower: HSV{1, 1, 1}, Upper: HSV{2, 2, 2}}
	b := ColorRange{Lower: HSV{100, 100, 100}, Upper: HSV{150, 150, 150}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = store.CommitColorRange(a) }()
		go func() { defer wg.Done(); _, _ = store.CommitColorRange(b) }()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			got := store.ColorRange()
			if got != a && got != b && got != DefaultColorRange() {
				t.Errorf("observed torn range %+v", got)
				return
			}
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, uint64(101), store.Load().Version)
}

func TestStoreEditParamsSerializesReadModifyWrite(t *testing.T) {
	t.Parallel()

	store, err := NewStore(DefaultColorRange(), DefaultParams())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = store.EditParams(func(p Params) (Params, error) { p.DeadZone++; return p, nil })
		}()
		go func() {
			defer wg.Done()
			_, _ = store.EditParams(func(p Params) (Params, error) { p.BaseSpeed++; return p, nil })
		}()
	}
	wg.Wait()

	snap := store.Load()
	assert.Equal(t, uint64(101), snap.Version)
	assert.Equal(t, DefaultParams().DeadZone+50, snap.Params.DeadZone)
	assert.Equal(t, DefaultParams().BaseSpeed+50, snap.Params.BaseSpeed)

	_, err = store.EditParams(func(p Params) (Params, error) { p.MinArea = p.MaxArea; return p, nil })
	require.ErrorIs(t, err, ErrInvalidParams)
	assert.Equal(t, snap, store.Load())
}
