// Package calendar maps wall-clock instants onto the eight daily session windows.
package calendar

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pairengine/internal/errs"
	"pairengine/internal/settings"
)

const dateLayout = "2006-01-02"

// Slot is one concrete session window on a business date.
type Slot struct {
	ID    string
	Date  string
	Index int
	Start time.Time
	End   time.Time
}

type span struct {
	start, end int
}

// Calendar resolves windows in one business location.
type Calendar struct {
	loc   *time.Location
	spans [settings.WindowCount]span
}

// New builds a calendar from configured window boundaries.
func New(loc *time.Location, windows [settings.WindowCount]settings.Window) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &Calendar{loc: loc}
	for i, w := range windows {
		start, err := settings.Minutes(w.Start)
		if err != nil {
			return nil, &errs.ConfigError{Field: fmt.Sprintf("windows[%d].start", i), Reason: err.Error()}
		}
		end, err := settings.Minutes(w.End)
		if err != nil {
			return nil, &errs.ConfigError{Field: fmt.Sprintf("windows[%d].end", i), Reason: err.Error()}
		}
		if end <= start {
			return nil, &errs.ConfigError{Field: fmt.Sprintf("windows[%d]", i), Reason: "end must be after start"}
		}
		c.spans[i] = span{start: start, end: end}
	}
	return c, nil
}

// Location returns the business location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// FormatID renders a window id, e.g. "2024-03-01/3".
func FormatID(date string, index int) string {
	return date + "/" + strconv.Itoa(index)
}

// ParseID splits a window id into its business date and 1-based index.
func ParseID(id string) (string, int, error) {
	date, idx, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", errs.ErrUnknownWindow, id)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", 0, fmt.Errorf("%w: %q", errs.ErrUnknownWindow, id)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > settings.WindowCount {
		return "", 0, fmt.Errorf("%w: %q", errs.ErrUnknownWindow, id)
	}
	return date, n, nil
}

// Slot returns the window with the given index on date.
func (c *Calendar) Slot(date string, index int) (Slot, error) {
	if index < 1 || index > settings.WindowCount {
		return Slot{}, fmt.Errorf("%w: index %d", errs.ErrUnknownWindow, index)
	}
	day, err := time.ParseInLocation(dateLayout, date, c.loc)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: date %q", errs.ErrUnknownWindow, date)
	}
	sp := c.spans[index-1]
	return Slot{
		ID:    FormatID(date, index),
		Date:  date,
		Index: index,
		Start: at(day, sp.start),
		End:   at(day, sp.end),
	}, nil
}

// Parse resolves a window id.
func (c *Calendar) Parse(id string) (Slot, error) {
	date, index, err := ParseID(id)
	if err != nil {
		return Slot{}, err
	}
	return c.Slot(date, index)
}

// WindowAt returns the window containing t, if any.
func (c *Calendar) WindowAt(t time.Time) (Slot, bool) {
	local := t.In(c.loc)
	date := local.Format(dateLayout)
	for i := 1; i <= settings.WindowCount; i++ {
		s, err := c.Slot(date, i)
		if err != nil {
			return Slot{}, false
		}
		if !t.Before(s.Start) && t.Before(s.End) {
			return s, true
		}
	}
	return Slot{}, false
}

// IndexAt returns the 1-based window index containing t, or 0 between windows.
func (c *Calendar) IndexAt(t time.Time) int {
	s, ok := c.WindowAt(t)
	if !ok {
		return 0
	}
	return s.Index
}

// NextClose returns the earliest window ending after t. That window's run is
// the one that folds volume recorded at t.
func (c *Calendar) NextClose(t time.Time) Slot {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for d := 0; d < 2; d++ {
		date := day.AddDate(0, 0, d).Format(dateLayout)
		var best Slot
		for i := 1; i <= settings.WindowCount; i++ {
			s, err := c.Slot(date, i)
			if err != nil || !s.End.After(t) {
				continue
			}
			if best.ID == "" || s.End.Before(best.End) {
				best = s
			}
		}
		if best.ID != "" {
			return best
		}
	}
	return Slot{}
}

// ClosedWindows lists windows of the current and previous business days that
// have ended by now, oldest first.
func (c *Calendar) ClosedWindows(now time.Time) []Slot {
	local := now.In(c.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	var res []Slot
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		date := day.Format(dateLayout)
		for i := 1; i <= settings.WindowCount; i++ {
			s, err := c.Slot(date, i)
			if err != nil {
				continue
			}
			if !s.End.After(now) {
				res = append(res, s)
			}
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].End.Before(res[j].End) })
	return res
}

// Closes returns the distinct wall-clock close times as (hour, minute) pairs.
func (c *Calendar) Closes() [][2]int {
	seen := make(map[int]bool)
	var res [][2]int
	for _, sp := range c.spans {
		m := sp.end % (24 * 60)
		if seen[m] {
			continue
		}
		seen[m] = true
		res = append(res, [2]int{m / 60, m % 60})
	}
	return res
}

func at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, minutes, 0, 0, day.Location())
}
