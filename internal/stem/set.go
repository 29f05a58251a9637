package stem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Entry pairs a stem with the URL its audio can be loaded from.
type Entry struct {
	Stem Stem
	URL  string
}

// Set is an ordered, immutable mapping from stem to resource URL.
// The first entry is the primary stem used as the timing reference.
type Set struct {
	entries []Entry
}

// NewSet builds a Set from entries, keeping their order.
func NewSet(entries ...Entry) (Set, error) {
	var seen [Count]bool
	out := make([]Entry, 0, len(entries))

	for i, e := range entries {
		if !e.Stem.Valid() {
			return Set{}, fmt.Errorf("entry[%d]: invalid stem %d", i, int(e.Stem))
		}
		if seen[e.Stem] {
			return Set{}, fmt.Errorf("entry[%d]: duplicate stem '%s'", i, e.Stem)
		}
		if strings.TrimSpace(e.URL) == "" {
			return Set{}, fmt.Errorf("entry[%d]: stem '%s' has an empty URL", i, e.Stem)
		}
		seen[e.Stem] = true
		out = append(out, Entry{Stem: e.Stem, URL: strings.TrimSpace(e.URL)})
	}

	return Set{entries: out}, nil
}

// Len returns the number of stems in the set.
func (s Set) Len() int {
	return len(s.entries)
}

// Empty reports whether the set has no stems.
func (s Set) Empty() bool {
	return len(s.entries) == 0
}

// Entries returns a copy of the entries in order.
func (s Set) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Stems returns the stems in order.
func (s Set) Stems() []Stem {
	out := make([]Stem, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Stem
	}
	return out
}

// URL returns the URL for a stem.
func (s Set) URL(st Stem) (string, bool) {
	for _, e := range s.entries {
		if e.Stem == st {
			return e.URL, true
		}
	}
	return "", false
}

// Has reports whether the stem is part of the set.
func (s Set) Has(st Stem) bool {
	_, ok := s.URL(st)
	return ok
}

// Primary returns the first stem in the set.
func (s Set) Primary() (Stem, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	return s.entries[0].Stem, true
}

// MarshalJSON encodes the set as a JSON object in set order.
func (s Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Stem.String())
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.URL)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of stem name to URL, keeping key order.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read stem set: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("stem set must be a JSON object")
	}

	var entries []Entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read stem name: %w", err)
		}
		name, _ := tok.(string)

		var url string
		if err := dec.Decode(&url); err != nil {
			return fmt.Errorf("stem '%s': URL must be a string: %w", name, err)
		}

		st, err := Parse(name)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Stem: st, URL: url})
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read end of stem set: %w", err)
	}

	set, err := NewSet(entries...)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
