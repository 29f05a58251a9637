package stem

import (
	"fmt"
	"strings"
)

// Stem identifies one isolated instrument track produced by source separation.
type Stem int

const (
	Vocals Stem = iota
	Drums
	Bass
	Other
)

// Count is the size of the stem vocabulary.
const Count = 4

// All lists every stem in canonical order.
var All = [Count]Stem{Vocals, Drums, Bass, Other}

// String returns the wire name of the stem.
func (s Stem) String() string {
	switch s {
	case Vocals:
		return "vocals"
	case Drums:
		return "drums"
	case Bass:
		return "bass"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("stem(%d)", int(s))
	}
}

// Title returns a display name for the stem.
func (s Stem) Title() string {
	switch s {
	case Vocals:
		return "Vocals"
	case Drums:
		return "Drums"
	case Bass:
		return "Bass"
	case Other:
		return "Other"
	default:
		return s.String()
	}
}

// Valid reports whether s belongs to the vocabulary.
func (s Stem) Valid() bool {
	return s >= Vocals && s <= Other
}

// Parse converts a wire name into a Stem.
func Parse(val string) (Stem, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "vocals":
		return Vocals, nil
	case "drums":
		return Drums, nil
	case "bass":
		return Bass, nil
	case "other":
		return Other, nil
	default:
		return 0, fmt.Errorf("unknown stem %q (valid: vocals, drums, bass, other)", val)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stem) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stem %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stem) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
