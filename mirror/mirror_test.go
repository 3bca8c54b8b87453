// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mirror

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"ON", StateOn, false},
		{"OFF", StateOff, false},
		{"on", "", true},
		{"", "", true},
		{"TOGGLE", "", true},
	}

	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !apperrors.Is(err, apperrors.ErrInvalidState) {
			t.Errorf("ParseState(%q) error = %v, want ErrInvalidState", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMirrorDefault(t *testing.T) {
	m := New(StateOff)
	assert.Equal(t, StateOff, m.Get("SW01"))

	m = New(StateOn)
	assert.Equal(t, StateOn, m.Get("SW01"))

	m = New("bogus")
	assert.Equal(t, StateOff, m.Default(), "unrecognized default falls back to OFF")
}

func TestMirrorSetGet(t *testing.T) {
	m := New(StateOff)

	require.NoError(t, m.Set("SW01", StateOn))
	assert.Equal(t, StateOn, m.Get("SW01"))
	assert.Equal(t, StateOff, m.Get("SW02"))

	require.NoError(t, m.Set("SW01", StateOff))
	assert.Equal(t, StateOff, m.Get("SW01"))
	assert.Equal(t, 1, m.Len())
}

func TestMirrorSetRejects(t *testing.T) {
	m := New(StateOff)

	err := m.Set("SW01", "DIM")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	err = m.Set("  ", StateOn)
	assert.True(t, apperrors.IsValidationError(err))

	assert.Zero(t, m.Len(), "rejected writes leave no entry")
}

func TestMirrorSnapshotSorted(t *testing.T) {
	m := New(StateOff)
	require.NoError(t, m.Set("SW03", StateOn))
	require.NoError(t, m.Set("SW01", StateOff))
	require.NoError(t, m.Set("SW02", StateOn))

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []Entry{
		{Identity: "SW01", State: StateOff},
		{Identity: "SW02", State: StateOn},
		{Identity: "SW03", State: StateOn},
	}, snap)
}

func TestMirrorConcurrentAccess(t *testing.T) {
	m := New(StateOff)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = m.Set(fmt.Sprintf("SW%02d", i%5), FromBool(i%2 == 0))
		}(i)
		go func(i int) {
			defer wg.Done()
			s := m.Get(fmt.Sprintf("SW%02d", i%5))
			if s != StateOn && s != StateOff {
				t.Errorf("Get() = %q, want ON or OFF", s)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, m.Len())
}
