// README: Time source seam so tariff windows and expiry can be tested deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

// Func adapts a plain function into a Clock.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }
