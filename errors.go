package main

import (
	"errors"
	"fmt"
)

// Drop reasons. Every packet the scrubber refuses carries one of these,
// usually wrapped with detail via fmt.Errorf("%w: ...").
var (
	ErrHeaderMalformed    = errors.New("header malformed")
	ErrFragmentPolicy     = errors.New("fragment policy violation")
	ErrDuplicateFragment  = errors.New("duplicate fragment")
	ErrReassemblyOverflow = errors.New("reassembled datagram exceeds 65535 bytes")
	ErrTimestampSequence  = errors.New("tcp timestamp out of window")
	ErrResourceExhausted  = errors.New("scrub memory exhausted")

	// ErrFragmentPoisoned is a fragment policy violation: the datagram was
	// already marked for dropping by an earlier overlapping fragment.
	ErrFragmentPoisoned = fmt.Errorf("%w: datagram poisoned", ErrFragmentPolicy)
	// ErrTCPFlags is a malformed header with an illegal flag combination.
	ErrTCPFlags = fmt.Errorf("%w: illegal tcp flags", ErrHeaderMalformed)
)

// dropReason maps a drop error to the short label used in stats, metrics
// and the event sinks. Most specific sentinels are checked first.
func dropReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFragmentPoisoned):
		return "fragment-poisoned"
	case errors.Is(err, ErrTCPFlags):
		return "tcp-flags"
	case errors.Is(err, ErrHeaderMalformed):
		return "header-malformed"
	case errors.Is(err, ErrFragmentPolicy):
		return "fragment-policy"
	case errors.Is(err, ErrDuplicateFragment):
		return "duplicate-fragment"
	case errors.Is(err, ErrReassemblyOverflow):
		return "reassembly-overflow"
	case errors.Is(err, ErrTimestampSequence):
		return "timestamp-sequence"
	case errors.Is(err, ErrResourceExhausted):
		return "memory"
	default:
		return "other"
	}
}

// allDropReasons lists every label dropReason can return, in a stable order
// for the statistics CSV.
var allDropReasons = []string{
	"header-malformed",
	"tcp-flags",
	"fragment-policy",
	"fragment-poisoned",
	"duplicate-fragment",
	"reassembly-overflow",
	"timestamp-sequence",
	"memory",
	"other",
}
