// Package fault defines the error taxonomy shared by discovery, mapping and
// form filling. Field-level faults are absorbed by their callers and only
// reported in aggregate; session-level faults travel to the caller tagged.
package fault

import (
	"errors"
	"fmt"
)

// Tag names one class of the taxonomy. Tags are stable strings so they can
// be surfaced verbatim in outcome reports.
type Tag string

const (
	TagTransientRemote      Tag = "transient_remote_fault"
	TagStructuralDrift      Tag = "structural_drift"
	TagLocationNotFound     Tag = "location_not_found"
	TagValidationRejected   Tag = "validation_rejected"
	TagConflict             Tag = "conflict"
	TagDiscoveryUnavailable Tag = "discovery_unavailable"
)

// Sentinels usable with errors.Is against any *Error carrying the same tag.
var (
	TransientRemoteFault = &Error{Tag: TagTransientRemote}
	StructuralDrift      = &Error{Tag: TagStructuralDrift}
	LocationNotFound     = &Error{Tag: TagLocationNotFound}
	ValidationRejected   = &Error{Tag: TagValidationRejected}
	Conflict             = &Error{Tag: TagConflict}
	DiscoveryUnavailable = &Error{Tag: TagDiscoveryUnavailable}
)

// Error is a tagged failure with the operation that produced it.
type Error struct {
	Tag Tag
	Op  string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Tag, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Tag)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Tag, e.Err)
	}
	return string(e.Tag)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same tag, so callers can test
// errors.Is(err, fault.LocationNotFound) regardless of Op or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Tag == e.Tag
}

// New builds a tagged error.
func New(tag Tag, op string, err error) *Error {
	return &Error{Tag: tag, Op: op, Err: err}
}

// Newf builds a tagged error with a formatted cause.
func Newf(tag Tag, op, format string, args ...interface{}) *Error {
	return &Error{Tag: tag, Op: op, Err: fmt.Errorf(format, args...)}
}

// TagOf returns the tag of the first tagged error in the chain, or "".
func TagOf(err error) Tag {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Tag
	}
	return ""
}

// IsSessionLevel reports whether the fault must abort the current run.
func IsSessionLevel(err error) bool {
	switch TagOf(err) {
	case TagLocationNotFound, TagDiscoveryUnavailable:
		return true
	}
	return false
}
