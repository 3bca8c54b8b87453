// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package accounting computes the energy and billing effect of a switch
// changing power state. Everything here is pure: no clock reads, no I/O.
package accounting

import (
	"math"
	"time"

	"github.com/soothill/switchmeter/switches"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

const minutesPerHour = 60.0

// Snapshot is the accounting-relevant view of a switch record.
type Snapshot struct {
	SwitchID        string
	IsOn            bool
	LastOnTime      *time.Time
	MinutesOn       int64
	PowerRating     float64
	ElectricityRate float64
	PowerConsumed   float64
	BillAmount      float64
}

// SnapshotOf extracts the accounting fields of rec.
func SnapshotOf(rec *switches.Record) Snapshot {
	return Snapshot{
		SwitchID:        switches.DeviceIdentity(rec),
		IsOn:            rec.IsOn,
		LastOnTime:      rec.LastOnTime,
		MinutesOn:       rec.MinutesOn,
		PowerRating:     rec.PowerRating,
		ElectricityRate: rec.ElectricityRate,
		PowerConsumed:   rec.PowerConsumed,
		BillAmount:      rec.BillAmount,
	}
}

// Result holds the fields a transition writes back.
type Result struct {
	IsOn          bool
	LastOnTime    *time.Time
	MinutesOn     int64
	PowerConsumed float64
	BillAmount    float64

	// Changed is false for a same-state request.
	Changed bool
	// ElapsedMinutes is the (clamped) length of the closed ON interval.
	ElapsedMinutes float64
	// AddedEnergy is the kWh charged for the closed ON interval.
	AddedEnergy float64
	// Skew is set when the clock ran backwards across the ON interval.
	Skew *apperrors.ClockSkewWarning
}

// ApplyTo copies the result onto rec.
func (r Result) ApplyTo(rec *switches.Record) {
	rec.IsOn = r.IsOn
	rec.LastOnTime = r.LastOnTime
	rec.MinutesOn = r.MinutesOn
	rec.PowerConsumed = r.PowerConsumed
	rec.BillAmount = r.BillAmount
}

func unchanged(s Snapshot) Result {
	return Result{
		IsOn:          s.IsOn,
		LastOnTime:    s.LastOnTime,
		MinutesOn:     s.MinutesOn,
		PowerConsumed: s.PowerConsumed,
		BillAmount:    s.BillAmount,
	}
}

// ComputeTransition returns the record fields after requesting requestedOn
// at now.
//
// A request for the current state is a no-op. OFF→ON only stamps the start
// of the interval. ON→OFF closes the interval: minutes and energy are added,
// and the bill is recomputed from lifetime energy at the current rate. A
// negative interval is clamped to zero and reported through Result.Skew.
//
// An *InconsistentStateError is returned, with nothing changed, when the
// snapshot violates the isOn/lastOnTime pairing or carries a negative
// rating or rate.
func ComputeTransition(s Snapshot, requestedOn bool, now time.Time) (Result, error) {
	if requestedOn == s.IsOn {
		return unchanged(s), nil
	}

	if s.PowerRating < 0 || s.ElectricityRate < 0 {
		return Result{}, apperrors.NewInconsistentStateError(s.SwitchID, "negative power rating or electricity rate")
	}

	if requestedOn {
		if s.LastOnTime != nil {
			return Result{}, apperrors.NewInconsistentStateError(s.SwitchID, "switch is off but has a last on time")
		}
		start := now.UTC()
		res := unchanged(s)
		res.IsOn = true
		res.LastOnTime = &start
		res.Changed = true
		return res, nil
	}

	if s.LastOnTime == nil {
		return Result{}, apperrors.NewInconsistentStateError(s.SwitchID, "switch is on without a last on time")
	}

	res := Result{Changed: true}
	elapsed := now.Sub(*s.LastOnTime).Minutes()
	if elapsed < 0 {
		res.Skew = &apperrors.ClockSkewWarning{LastOnTime: *s.LastOnTime, Now: now}
		elapsed = 0
	}

	res.ElapsedMinutes = elapsed
	res.AddedEnergy = s.PowerRating * (elapsed / minutesPerHour)
	res.MinutesOn = s.MinutesOn + int64(math.Round(elapsed))
	res.PowerConsumed = s.PowerConsumed + res.AddedEnergy
	res.BillAmount = res.PowerConsumed * s.ElectricityRate
	res.IsOn = false
	res.LastOnTime = nil
	return res, nil
}
