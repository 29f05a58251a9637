// Package timefmt formats play-head positions and maps pointer positions on a
// progress track to media time.
package timefmt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Clock formats d as m:ss. Negative durations render as 0:00.
func Clock(d time.Duration) string {
	if d <= 0 {
		return "0:00"
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Precise formats d as m:ss.sss, used for analysis timestamps.
func Precise(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	rest := d - time.Duration(minutes)*time.Minute
	return fmt.Sprintf("%d:%06.3f", minutes, rest.Seconds())
}

// Parse reads a position typed by a user: "m:ss", "m:ss.sss", plain
// seconds ("90", "1.5") or a Go duration ("1m30s").
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}

	if mins, secs, ok := strings.Cut(s, ":"); ok {
		m, err := strconv.ParseUint(mins, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid minutes in '%s'", s)
		}
		sf, err := strconv.ParseFloat(secs, 64)
		if err != nil || sf < 0 || sf >= 60 {
			return 0, fmt.Errorf("invalid seconds in '%s'", s)
		}
		return time.Duration(m)*time.Minute + Seconds(sf), nil
	}

	if sf, err := strconv.ParseFloat(s, 64); err == nil {
		if sf < 0 || math.IsNaN(sf) || math.IsInf(sf, 0) {
			return 0, fmt.Errorf("invalid time '%s'", s)
		}
		return Seconds(sf), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid time '%s'", s)
	}
	return d, nil
}

// Seconds converts a floating point number of seconds into a duration.
// NaN and infinities map to zero.
func Seconds(sec float64) time.Duration {
	if math.IsNaN(sec) || math.IsInf(sec, 0) {
		return 0
	}
	return time.Duration(math.Round(sec * float64(time.Second)))
}

// Clamp limits d to [lo, hi].
func Clamp(d, lo, hi time.Duration) time.Duration {
	if hi < lo {
		hi = lo
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Abs returns the absolute value of d.
func Abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Track is the on-screen geometry of a progress bar.
type Track struct {
	Left  float64 `json:"left"`
	Width float64 `json:"width"`
}

// TimeAt maps a pointer x coordinate onto [0, duration] by linear interpolation.
func (t Track) TimeAt(x float64, duration time.Duration) time.Duration {
	if t.Width <= 0 || duration <= 0 || math.IsNaN(x) {
		return 0
	}
	offset := math.Max(0, math.Min(x-t.Left, t.Width))
	at := time.Duration(offset * float64(duration) / t.Width)
	return Clamp(at, 0, duration)
}
