package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern accepts units in descending order, each at most once,
// with an optional single space around the unit.
var durationPattern = regexp.MustCompile(`^` +
	`((?P<years>\d+?) ?(years|year|Y|y) ?)?` +
	`((?P<months>\d+?) ?(months|month|mo) ?)?` +
	`((?P<weeks>\d+?) ?(weeks|week|W|w) ?)?` +
	`((?P<days>\d+?) ?(days|day|D|d) ?)?` +
	`((?P<hours>\d+?) ?(hours|hour|hrs|H|h) ?)?` +
	`((?P<minutes>\d+?) ?(minutes|minute|min|M|m) ?)?` +
	`((?P<seconds>\d+?) ?(seconds|second|S|s))?` +
	`$`)

// ParseDurationFrom resolves a compact duration string such as "1y2mo3w4d5h6m7s"
// against from, so months and years follow the calendar.
func ParseDurationFrom(s string, from time.Time) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}
	match := durationPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("%q is not a valid duration string", s)
	}

	units := make(map[string]int, 7)
	for i, name := range durationPattern.SubexpNames() {
		if name == "" || match[i] == "" {
			continue
		}
		n, err := strconv.Atoi(match[i])
		if err != nil {
			return 0, fmt.Errorf("%q is not a valid duration string: %w", s, err)
		}
		units[name] = n
	}

	end := from.AddDate(units["years"], units["months"], units["weeks"]*7+units["days"]).
		Add(time.Duration(units["hours"])*time.Hour +
			time.Duration(units["minutes"])*time.Minute +
			time.Duration(units["seconds"])*time.Second)
	return end.Sub(from), nil
}

// ParseDuration resolves s against the current time.
func ParseDuration(s string) (time.Duration, error) {
	return ParseDurationFrom(s, time.Now().UTC())
}
