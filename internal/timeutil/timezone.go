package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// LoadTimezone resolves a tz database name for displaying stored times.
// History is stored as unix nanoseconds, so only display needs a zone. An
// empty name or "Local" is the host zone.
func LoadTimezone(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s (want a tz database name such as Europe/Amsterdam): %w", name, err)
	}
	return loc, nil
}
