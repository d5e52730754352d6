package geotime

import (
	"strings"
	"time"

	"github.com/teranos/herald/errors"
)

// StorageLayout is the canonical persisted timestamp shape: UTC with a Z suffix.
const StorageLayout = time.RFC3339

// Shape identifies how a stored timestamp string was written.
type Shape int

const (
	// ShapeUTC is "Z" or a zero offset; canonical when formatted with StorageLayout.
	ShapeUTC Shape = iota
	// ShapeLocalOffset carries an explicit offset equal to the business zone's.
	ShapeLocalOffset
	// ShapeForeignOffset carries an explicit offset that is neither zero nor local.
	ShapeForeignOffset
	// ShapeBareLocal has no offset and is read as business-local wall time.
	ShapeBareLocal
)

func (s Shape) String() string {
	switch s {
	case ShapeUTC:
		return "utc"
	case ShapeLocalOffset:
		return "local-offset"
	case ShapeForeignOffset:
		return "foreign-offset"
	case ShapeBareLocal:
		return "bare-local"
	default:
		return "unknown"
	}
}

var offsetLayouts = []string{
	time.RFC3339, // fractional seconds are accepted when parsing
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
}

var bareLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Zone is the business timezone. Persisted instants are UTC; business
// comparisons and recurrence happen in Zone's wall clock.
type Zone struct {
	name string
	loc  *time.Location
}

// LoadZone resolves name through NormalizeTimezone. "local" selects the host zone.
func LoadZone(name string) (*Zone, error) {
	var resolved string
	var err error
	if strings.EqualFold(strings.TrimSpace(name), "local") {
		resolved, err = DetectLocalTimezone()
	} else {
		resolved, err = NormalizeTimezone(name)
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(resolved)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load timezone %s", resolved)
	}
	return &Zone{name: resolved, loc: loc}, nil
}

// NewZone wraps an already loaded location.
func NewZone(loc *time.Location) *Zone {
	return &Zone{name: loc.String(), loc: loc}
}

// UTC is the zone used when no business timezone is configured.
func UTC() *Zone {
	return NewZone(time.UTC)
}

// Name is the resolved IANA name.
func (z *Zone) Name() string { return z.name }

// Location is the loaded business location.
func (z *Zone) Location() *time.Location { return z.loc }

// ToStorage reads local's wall clock as business-local time and returns the UTC instant.
func (z *Zone) ToStorage(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), z.loc).UTC()
}

// ToLocal returns the business wall-clock view of a stored instant.
func (z *Zone) ToLocal(instant time.Time) time.Time {
	return instant.In(z.loc)
}

// Format renders an instant in the canonical storage shape.
func Format(instant time.Time) string {
	return instant.UTC().Format(StorageLayout)
}

// ParseStored reads a stored timestamp of any known shape into a UTC instant.
// The shape is decided from the string alone; no interpretation is chosen by
// closeness to the current time.
func (z *Zone) ParseStored(s string) (time.Time, Shape, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, 0, errors.New("empty timestamp")
	}

	for _, layout := range offsetLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		_, offset := t.Zone()
		_, localOffset := t.In(z.loc).Zone()
		switch {
		case offset == 0:
			return t.UTC(), ShapeUTC, nil
		case offset == localOffset:
			return t.UTC(), ShapeLocalOffset, nil
		default:
			return t.UTC(), ShapeForeignOffset, nil
		}
	}

	for _, layout := range bareLayouts {
		if t, err := time.ParseInLocation(layout, s, z.loc); err == nil {
			return t.UTC(), ShapeBareLocal, nil
		}
	}

	return time.Time{}, 0, errors.Newf("unrecognized timestamp shape: %q", s)
}

// IsCanonical reports whether s is already in the storage shape.
func (z *Zone) IsCanonical(s string) bool {
	t, shape, err := z.ParseStored(s)
	return err == nil && shape == ShapeUTC && Format(t) == s
}

// ParseLocal parses operator input (a schedule's "at" field). Input with an
// offset is honored; bare input is business-local.
func (z *Zone) ParseLocal(s string) (time.Time, error) {
	t, _, err := z.ParseStored(s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid local time")
	}
	return z.ToLocal(t), nil
}
