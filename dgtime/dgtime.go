// Package dgtime holds the time handling shared by request validation. Every
// timestamp is interpreted in one reference location.
package dgtime

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/cockroachdb/errors"
)

// DefaultLocation is the deployment operations timezone.
const DefaultLocation = "America/Chicago"

// PreferredLayout is the only accepted layout for requested datetimes.
const PreferredLayout = "01-02-2006 15:04:05"

// ErrFormat is returned when a datetime is absent or not in [PreferredLayout].
var ErrFormat = errors.New("datetime is not in MM-DD-YYYY HH:MM:SS format")

var preferredRe = regexp.MustCompile(`(?:^|[^\d])(\d{2}-\d{2}-\d{4} \d{2}:\d{2}:\d{2})(?:$|[^\d])`)

// LoadLocation resolves name, falling back to [DefaultLocation] when empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "loading timezone %q", name)
	}
	return loc, nil
}

// Clock reports the current time in a fixed location.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

type ClockOption func(*Clock)

// WithNow replaces the time source, mostly for tests.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) { c.now = now }
}

func NewClock(loc *time.Location, opts ...ClockOption) *Clock {
	c := &Clock{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// ParsePreferred finds a [PreferredLayout] datetime in text and interprets it
// in loc.
func ParsePreferred(loc *time.Location, text string) (time.Time, error) {
	m := preferredRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, errors.Wrapf(ErrFormat, "%q", strings.TrimSpace(text))
	}
	t, err := time.ParseInLocation(PreferredLayout, m[1], loc)
	if err != nil {
		return time.Time{}, errors.WithSecondaryError(errors.Wrapf(ErrFormat, "%q", m[1]), err)
	}
	return t, nil
}

// ParseMilestoneDueOn parses an RFC 3339 due date and returns the last second
// of that calendar date in loc. The date is taken as written, before any
// timezone conversion.
func ParseMilestoneDueOn(loc *time.Location, iso string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(iso))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing milestone due date %q", iso)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc), nil
}

var durationUnits = []struct {
	name string
	size time.Duration
}{
	{"day", 24 * time.Hour},
	{"hour", time.Hour},
	{"minute", time.Minute},
	{"second", time.Second},
}

// HumanDuration formats the absolute value of d as "2 days 3 hours",
// truncated to whole seconds.
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Truncate(time.Second)

	var parts []string
	for _, u := range durationUnits {
		n := d / u.size
		if n == 0 {
			continue
		}
		d -= n * u.size
		parts = append(parts, plural(int64(n), u.name))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
