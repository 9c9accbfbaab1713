package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// Every is the pause between continuous passes, either a cron schedule or a fixed duration
type Every struct {
	Cron     string
	Duration time.Duration
}

func (e Every) IsZero() bool {
	return e.Cron == "" && e.Duration == 0
}

// ParseEvery accepts an ISO-8601 duration (P1D, PT30M) or a cron expression
// in the five field or @descriptor form. Empty input returns a zero Every.
func ParseEvery(expr string) (Every, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return Every{}, nil
	}
	if strings.HasPrefix(e, "P") {
		d, err := parseDuration(e)
		if err != nil {
			return Every{}, err
		}
		return Every{Duration: d}, nil
	}
	if _, err := cron.ParseStandard(e); err != nil {
		return Every{}, fmt.Errorf("parsing cron %q: %w", e, err)
	}
	return Every{Cron: e}, nil
}

// weeks and years are rejected, months are ambiguous
var durationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

func parseDuration(s string) (time.Duration, error) {
	m := durationRx.FindStringSubmatch(s)
	if m == nil || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("%w: %s", ErrISOFormat, s)
	}
	var d time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second} {
		part := m[i+1]
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.Replace(part, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, s)
		}
		d += time.Duration(f * float64(unit))
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrISOFormat)
	}
	return d, nil
}
