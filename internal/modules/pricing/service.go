// README: Cost estimator: tariff lookup, fare formula, discount and currency conversion.
package pricing

import (
	"fmt"
	"math"
	"time"
)

type Service struct {
	cfg            Config
	discountFactor float64
}

// NewService validates cfg before accepting it.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:            cfg,
		discountFactor: round2((100 - cfg.DiscountPercent) / 100),
	}, nil
}

// Classify returns the tariff class for a reservation time, evaluated on the
// wall clock of the configured time zone.
func (s *Service) Classify(at time.Time) (Class, error) {
	local := at.In(s.cfg.Location)
	class, ok := s.cfg.classify(local.Weekday(), wallClock(local))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTariff, local.Format(time.RFC3339))
	}
	return class, nil
}

// Estimate returns the discounted fare in NIS for a ride reserved at `at`.
func (s *Service) Estimate(at time.Time, distanceMeters, durationSeconds float64) (float64, error) {
	if distanceMeters < 0 || durationSeconds < 0 {
		return 0, ErrInvalidInput
	}
	class, err := s.Classify(at)
	if err != nil {
		return 0, err
	}
	t := s.cfg.Rates[class]

	km := distanceMeters / 1000
	minutes := durationSeconds / 60
	raw := round2(s.cfg.BaseFare + s.cfg.ReservationFare + round2(km*t.KmRate) + round2(minutes*t.MinuteRate))
	return round2(raw * s.discountFactor), nil
}

func (s *Service) ToUSD(nis float64) float64 {
	return round2(nis * s.cfg.NISToUSD)
}

// wallClock is the time of day as read on a clock, which differs from the
// time elapsed since midnight on daylight-saving change days.
func wallClock(t time.Time) time.Duration {
	return hm(t.Hour(), t.Minute()) + time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
