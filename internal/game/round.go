package game

import (
	"math"
	"time"
)

// rawMultiplier is e^(k·t) for t seconds since StartsAt, or 1 before it.
func (r *Round) rawMultiplier(now time.Time) float64 {
	if !now.After(r.StartsAt) {
		return 1
	}
	return math.Exp(r.GrowthRate * now.Sub(r.StartsAt).Seconds())
}

// MultiplierAt is the authoritative multiplier at now, floored to two
// decimals and capped at the committed crash point.
func (r *Round) MultiplierAt(now time.Time) float64 {
	if r.Crashed(now) {
		return r.CrashPoint
	}
	m := math.Floor(r.rawMultiplier(now)*100) / 100
	if m >= r.CrashPoint {
		m = r.CrashPoint - 0.01
	}
	if m < MIN_MULTIPLIER {
		m = MIN_MULTIPLIER
	}
	return m
}

// CrashAt is the instant the multiplier reaches the crash point. It depends
// only on stored fields, so every replica computes the same instant.
func (r *Round) CrashAt() time.Time {
	if r.CrashPoint <= MIN_MULTIPLIER || r.GrowthRate <= 0 {
		return r.StartsAt
	}
	secs := math.Log(r.CrashPoint) / r.GrowthRate
	return r.StartsAt.Add(time.Duration(secs * float64(time.Second)))
}

// Crashed reports whether the round has reached its crash point at now.
func (r *Round) Crashed(now time.Time) bool {
	if r.State == RoundEnded {
		return true
	}
	return !now.Before(r.CrashAt())
}

// StateAt derives the state from the clock. The stored state may lag behind
// it between ticks; decisions always use this.
func (r *Round) StateAt(now time.Time) RoundState {
	switch {
	case r.State == RoundEnded || r.Crashed(now):
		return RoundEnded
	case now.Before(r.StartsAt):
		return RoundStarting
	default:
		return RoundRunning
	}
}

// View projects the round for clients. The committed outcome is withheld
// until the round has ended.
func (r *Round) View(now time.Time) RoundView {
	state := r.StateAt(now)
	startsAt := r.StartsAt
	v := RoundView{
		RoundID:    r.ID,
		TableID:    r.TableID,
		State:      state,
		Commitment: r.Commitment,
		Multiplier: r.MultiplierAt(now),
		StartsAt:   &startsAt,
	}
	if state == RoundStarting {
		v.CountdownMs = r.StartsAt.Sub(now).Milliseconds()
	}
	if state == RoundEnded {
		v.CrashPoint = r.CrashPoint
		v.ServerSeed = r.ServerSeed
		v.ClientSeed = r.ClientSeed
		v.Nonce = r.Nonce
	}
	return v
}
