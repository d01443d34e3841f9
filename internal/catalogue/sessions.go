package catalogue

import (
	"fmt"
	"slices"
	"strings"

	"chartfeed/internal/model"
)

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// AlwaysOpenSession is the session string of instruments that never close.
const AlwaysOpenSession = "24x7"

// SessionHours returns the trading windows of inst. It reads the instrument's
// schedule on every call; sessions change and must not be cached.
func SessionHours(inst model.Instrument) []model.SessionWindow {
	out := make([]model.SessionWindow, len(inst.Sessions))
	copy(out, inst.Sessions)
	return out
}

// SessionString assembles the widget session string for windows.
//
// Windows spanning midnight are split into per-day segments. Segments with the same
// hours are merged, e.g. Sunday 22:00 to Friday 22:00 renders as
// "2200-0000:1|0000-0000:2345|0000-2200:6". Days are numbered 1 (Sunday) to 7.
func SessionString(windows []model.SessionWindow) string {
	if len(windows) == 0 {
		return AlwaysOpenSession
	}

	var order []string
	days := make(map[string][]int)
	for _, w := range windows {
		open := weekMinutes(w.Open)
		closing := weekMinutes(w.Close)
		if closing <= open {
			closing += minutesPerWeek
		}
		for cursor := open; cursor < closing; {
			dayStart := cursor / minutesPerDay * minutesPerDay
			end := min(closing, dayStart+minutesPerDay)
			hours := formatMinutes(cursor-dayStart) + "-" + formatMinutes(end-dayStart)
			if _, seen := days[hours]; !seen {
				order = append(order, hours)
			}
			days[hours] = append(days[hours], (dayStart/minutesPerDay)%7+1)
			cursor = end
		}
	}

	segments := make([]string, 0, len(order))
	for _, hours := range order {
		d := days[hours]
		slices.Sort(d)
		d = slices.Compact(d)
		var b strings.Builder
		for _, n := range d {
			fmt.Fprintf(&b, "%d", n)
		}
		segments = append(segments, hours+":"+b.String())
	}
	return strings.Join(segments, "|")
}

func weekMinutes(t model.WeekTime) int {
	return int(t.Day)*minutesPerDay + t.Hour*60 + t.Minute
}

// formatMinutes renders minutes since midnight as HHMM; midnight at the end of the day is 0000.
func formatMinutes(m int) string {
	m %= minutesPerDay
	return fmt.Sprintf("%02d%02d", m/60, m%60)
}
