package engine

import (
	"fmt"
	"strings"
)

// Profile selects one consistent set of engine behaviours.
//
//	             simple (default)       strict
//	weight       0.5                    1.0
//	forget       x0.5, floor 0.1        set to 0
//	decay        read-time              mutate-time
//	relevance    keyword overlap        TF-IDF
//	final score  base * (1+relevance)   base + relevance
type Profile string

const (
	ProfileSimple Profile = "simple"
	ProfileStrict Profile = "strict"
)

// Profiles lists the known profiles.
var Profiles = []Profile{ProfileSimple, ProfileStrict}

const (
	forgetFactor = 0.5
	forgetFloor  = 0.1
)

// ParseProfile maps a name to a Profile; empty means simple.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProfileSimple:
		return ProfileSimple, nil
	case ProfileStrict:
		return ProfileStrict, nil
	}
	return "", fmt.Errorf("unknown profile %q (want simple or strict)", s)
}

// DefaultWeight is the weight given to records that carry none.
func (p Profile) DefaultWeight() float64 {
	if p == ProfileStrict {
		return 1.0
	}
	return 0.5
}

// MutateOnRead reports whether retrieval commits decay into the returned
// records (advancing LastUpdated) instead of recomputing it on every read.
func (p Profile) MutateOnRead() bool { return p == ProfileStrict }

// UsesTFIDF reports whether relevance is TF-IDF rather than keyword overlap.
func (p Profile) UsesTFIDF() bool { return p == ProfileStrict }

// Additive reports whether relevance is added to the weighted base rather
// than scaling it.
func (p Profile) Additive() bool { return p == ProfileStrict }

// forget returns the weight after a trust-based forget.
func (p Profile) forget(w float64) float64 {
	if p == ProfileStrict {
		return 0
	}
	after := w * forgetFactor
	if after < forgetFloor {
		after = forgetFloor
	}
	if after > w {
		return w
	}
	return after
}
