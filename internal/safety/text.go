package safety

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownName is returned when decoding an unrecognised enum name.
var ErrUnknownName = errors.New("safety: unknown name")

func (s *EngagementState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "engaged":
		*s = Engaged
	case "disengaged":
		*s = Disengaged
	default:
		return fmt.Errorf("%w: state %q", ErrUnknownName, b)
	}
	return nil
}

func (r *Reason) UnmarshalText(b []byte) error {
	for i, n := range reasonNames {
		if n == string(b) {
			*r = Reason(i)
			return nil
		}
	}
	return fmt.Errorf("%w: reason %q", ErrUnknownName, b)
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for i, n := range eventNames {
		if n == string(b) {
			*k = EventKind(i)
			return nil
		}
	}
	return fmt.Errorf("%w: event %q", ErrUnknownName, b)
}

func (v *Violation) UnmarshalText(b []byte) error {
	*v = 0
	if string(b) == "none" || len(b) == 0 {
		return nil
	}
next:
	for _, part := range strings.Split(string(b), "|") {
		for _, n := range violationNames {
			if n.name == part {
				*v |= n.v
				continue next
			}
		}
		return fmt.Errorf("%w: violation %q", ErrUnknownName, part)
	}
	return nil
}
