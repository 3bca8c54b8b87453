// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mirror holds the last commanded state of each device in memory.
//
// The mirror is a low-latency read surface, not a record of truth: it starts
// empty, is lost on restart and may lag the durable store. Writes for the
// same device race and the last one wins.
package mirror

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soothill/switchmeter/pkg/metrics"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

// State is a mirrored device state token.
type State string

// Recognized state tokens.
const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// FromBool maps a power state to its token.
func FromBool(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// ParseState accepts exactly "ON" or "OFF".
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateOn, StateOff:
		return State(s), nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidState, s)
	}
}

// Mirror is a concurrency-safe device identity to state map.
type Mirror struct {
	mu           sync.RWMutex
	states       map[string]State
	defaultState State
}

// New creates an empty mirror. Unknown devices read as defaultState, which
// falls back to OFF when not a recognized token.
func New(defaultState State) *Mirror {
	if _, err := ParseState(string(defaultState)); err != nil {
		defaultState = StateOff
	}
	return &Mirror{
		states:       make(map[string]State),
		defaultState: defaultState,
	}
}

// Set records state for identity.
func (m *Mirror) Set(identity string, state State) error {
	if strings.TrimSpace(identity) == "" {
		metrics.MirrorWritesTotal.WithLabelValues(metrics.ResultError).Inc()
		return apperrors.NewValidationError("id", identity, "device identity is required")
	}
	if _, err := ParseState(string(state)); err != nil {
		metrics.MirrorWritesTotal.WithLabelValues(metrics.ResultError).Inc()
		return err
	}

	m.mu.Lock()
	m.states[identity] = state
	m.mu.Unlock()

	metrics.MirrorWritesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

// Get returns the mirrored state for identity, or the default when unknown.
func (m *Mirror) Get(identity string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[identity]; ok {
		return s
	}
	return m.defaultState
}

// Default returns the state reported for unknown devices.
func (m *Mirror) Default() State {
	return m.defaultState
}

// Len returns the number of devices written so far.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Entry is one row of a Snapshot.
type Entry struct {
	Identity string `json:"id"`
	State    State  `json:"state"`
}

// Snapshot returns every known device sorted by identity.
func (m *Mirror) Snapshot() []Entry {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.states))
	for id, s := range m.states {
		entries = append(entries, Entry{Identity: id, State: s})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return entries
}
