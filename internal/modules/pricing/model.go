// README: Tariff classes, rates and weekly time windows for fare estimation.
package pricing

import (
	"errors"
	"fmt"
	"time"
)

type Class string

const (
	ClassA Class = "A"
	ClassB Class = "B"
	ClassC Class = "C"
)

var (
	ErrNoTariff     = errors.New("no tariff window covers reservation time")
	ErrInvalidInput = errors.New("invalid pricing input")
)

// Tariff is charged per kilometre and per minute of the ride.
type Tariff struct {
	KmRate     float64
	MinuteRate float64
}

// Window matches reservations on Day whose time of day t satisfies
// Start <= t < End. End of 24h means "until midnight".
type Window struct {
	Class Class
	Day   time.Weekday
	Start time.Duration
	End   time.Duration
}

func (w Window) contains(day time.Weekday, tod time.Duration) bool {
	return w.Day == day && w.Start <= tod && tod < w.End
}

type Config struct {
	BaseFare        float64
	ReservationFare float64
	DiscountPercent float64
	NISToUSD        float64
	Location        *time.Location
	Rates           map[Class]Tariff
	// Windows are searched in order; the first match wins.
	Windows []Window
}

const endOfDay = 24 * time.Hour

func hm(h, m int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

func days(class Class, start, end time.Duration, ds ...time.Weekday) []Window {
	out := make([]Window, 0, len(ds))
	for _, d := range ds {
		out = append(out, Window{Class: class, Day: d, Start: start, End: end})
	}
	return out
}

// DefaultConfig is the Israeli taxi tariff table in NIS with a 20% discount.
func DefaultConfig(loc *time.Location) Config {
	var w []Window
	// A: weekday daytime.
	w = append(w, days(ClassA, hm(6, 0), hm(21, 0), time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday)...)
	w = append(w, days(ClassA, hm(6, 0), hm(16, 0), time.Friday)...)
	// B: weekday nights, Thursday evening, Friday afternoon, Saturday daytime.
	w = append(w, days(ClassB, hm(21, 0), endOfDay, time.Sunday, time.Monday, time.Tuesday, time.Wednesday)...)
	w = append(w, days(ClassB, 0, hm(6, 0), time.Monday, time.Tuesday, time.Wednesday, time.Thursday)...)
	w = append(w, days(ClassB, hm(21, 0), hm(23, 0), time.Thursday)...)
	w = append(w, days(ClassB, hm(16, 0), hm(21, 0), time.Friday)...)
	w = append(w, days(ClassB, hm(6, 0), hm(19, 0), time.Saturday)...)
	// C: weekend nights.
	w = append(w, days(ClassC, hm(23, 0), endOfDay, time.Thursday)...)
	w = append(w, days(ClassC, 0, hm(6, 0), time.Friday)...)
	w = append(w, days(ClassC, hm(21, 0), endOfDay, time.Friday)...)
	w = append(w, days(ClassC, 0, hm(6, 0), time.Saturday)...)
	w = append(w, days(ClassC, hm(19, 0), endOfDay, time.Saturday)...)
	w = append(w, days(ClassC, 0, hm(6, 0), time.Sunday)...)

	if loc == nil {
		loc = time.UTC
	}
	return Config{
		BaseFare:        11.85,
		ReservationFare: 5.47,
		DiscountPercent: 20,
		NISToUSD:        0.27,
		Location:        loc,
		Rates: map[Class]Tariff{
			ClassA: {KmRate: 1.86, MinuteRate: 1.86},
			ClassB: {KmRate: 2.22, MinuteRate: 2.22},
			ClassC: {KmRate: 2.6, MinuteRate: 2.6},
		},
		Windows: w,
	}
}

// Validate checks that rates exist for every class in use and that the
// windows cover every minute of the week.
func (c Config) Validate() error {
	if c.DiscountPercent < 0 || c.DiscountPercent > 100 {
		return fmt.Errorf("discount percent %v out of range", c.DiscountPercent)
	}
	if c.Location == nil {
		return errors.New("pricing location is required")
	}
	for _, w := range c.Windows {
		if _, ok := c.Rates[w.Class]; !ok {
			return fmt.Errorf("no rate for tariff class %s", w.Class)
		}
		if w.Start < 0 || w.End > endOfDay || w.Start >= w.End {
			return fmt.Errorf("invalid window %s %s %v-%v", w.Class, w.Day, w.Start, w.End)
		}
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		for tod := time.Duration(0); tod < endOfDay; tod += time.Minute {
			if _, ok := c.classify(d, tod); !ok {
				return fmt.Errorf("%w: %s %02d:%02d", ErrNoTariff, d, int(tod.Hours()), int(tod.Minutes())%60)
			}
		}
	}
	return nil
}

func (c Config) classify(day time.Weekday, tod time.Duration) (Class, bool) {
	for _, w := range c.Windows {
		if w.contains(day, tod) {
			return w.Class, true
		}
	}
	return "", false
}
