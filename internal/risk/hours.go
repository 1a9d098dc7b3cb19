package risk

import (
	"fmt"
	"time"
)

// parseWindow parses a "HH:MM-HH:MM" trading-hours window into minutes
// since midnight.
func parseWindow(window string) (start, end int, err error) {
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(window, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return 0, 0, fmt.Errorf("malformed trading hours %q: %w", window, err)
	}
	if sh < 0 || sh > 23 || eh < 0 || eh > 23 || sm < 0 || sm > 59 || em < 0 || em > 59 {
		return 0, 0, fmt.Errorf("trading hours %q out of range", window)
	}
	return sh*60 + sm, eh*60 + em, nil
}

// withinWindow reports whether now falls inside the window. Windows are
// same-day only: a window whose start is after its end, or one that does
// not parse, never matches (fail closed).
func withinWindow(window string, now time.Time) bool {
	start, end, err := parseWindow(window)
	if err != nil {
		return false
	}
	if start > end {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start && minutes <= end
}
