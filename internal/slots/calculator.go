// Package slots computes the consultation slots offered on a given date.
//
// The doctor works a fixed window in a single timezone. Slots are generated
// on half-hour boundaries in that timezone and then projected into the
// caller's timezone for display. Computation is pure: reserved slots and the
// current time are inputs, never looked up.
package slots

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	Step        = 30 * time.Minute
	LabelLayout = "03:04 PM"
	DateLayout  = "2006-01-02"
)

var ErrInvalidSlot = errors.New("invalid slot")

type Tier string

const (
	TierRegular Tier = "regular"
	TierUrgent  Tier = "urgent"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case "", TierRegular:
		return TierRegular, nil
	case TierUrgent:
		return TierUrgent, nil
	}
	return "", fmt.Errorf("unknown urgency tier %q", s)
}

// Window is an operating window in minutes after doctor-local midnight.
// The last slot starts one Step before End.
type Window struct {
	Start int
	End   int
}

var (
	RegularWindow = Window{Start: 18 * 60, End: 22 * 60}
	UrgentWindow  = Window{Start: 10 * 60, End: 22 * 60}
)

type Reason string

const (
	ReasonNone   Reason = ""
	ReasonPast   Reason = "past"
	ReasonBooked Reason = "booked"
)

// OfferedSlot is one computed slot. It is never persisted.
type OfferedSlot struct {
	LocalDate     string    `json:"local_date"`
	LocalLabel    string    `json:"local_label"`
	DoctorLabel   string    `json:"doctor_label"`
	Start         time.Time `json:"start"`
	Available     bool      `json:"available"`
	AlreadyBooked bool      `json:"already_booked"`
	Reason        Reason    `json:"reason,omitempty"`
}

type Calculator struct {
	doctorLoc *time.Location
	regular   Window
	urgent    Window
}

func NewCalculator(doctorLoc *time.Location) *Calculator {
	return NewCalculatorWithWindows(doctorLoc, RegularWindow, UrgentWindow)
}

func NewCalculatorWithWindows(doctorLoc *time.Location, regular, urgent Window) *Calculator {
	if doctorLoc == nil {
		panic("slots: doctor location required")
	}
	return &Calculator{doctorLoc: doctorLoc, regular: regular, urgent: urgent}
}

func (c *Calculator) Location() *time.Location {
	return c.doctorLoc
}

func (c *Calculator) window(tier Tier) Window {
	if tier == TierUrgent {
		return c.urgent
	}
	return c.regular
}

// Compute lists the slots for date (a calendar date in the doctor's timezone)
// ordered by doctor-local start time. reserved holds the doctor-local labels
// already taken on that date.
func (c *Calculator) Compute(date time.Time, userLoc *time.Location, tier Tier, reserved []string, now time.Time) []OfferedSlot {
	if userLoc == nil {
		userLoc = c.doctorLoc
	}

	taken := make(map[string]struct{}, len(reserved))
	for _, label := range reserved {
		taken[strings.TrimSpace(label)] = struct{}{}
	}

	w := c.window(tier)
	y, m, d := date.Date()

	out := make([]OfferedSlot, 0, (w.End-w.Start)/int(Step/time.Minute))
	for minute := w.Start; minute+int(Step/time.Minute) <= w.End; minute += int(Step / time.Minute) {
		start := time.Date(y, m, d, minute/60, minute%60, 0, 0, c.doctorLoc)
		local := start.In(userLoc)

		s := OfferedSlot{
			LocalDate:   local.Format(DateLayout),
			LocalLabel:  local.Format(LabelLayout),
			DoctorLabel: start.Format(LabelLayout),
			Start:       start,
			Available:   true,
		}

		if _, ok := taken[s.DoctorLabel]; ok {
			s.AlreadyBooked = true
			s.Available = false
			s.Reason = ReasonBooked
		}
		if start.Before(now) {
			s.Available = false
			s.Reason = ReasonPast
		}

		out = append(out, s)
	}
	return out
}

// Find returns the computed slot carrying the given doctor label.
func Find(offered []OfferedSlot, doctorLabel string) (OfferedSlot, bool) {
	for _, s := range offered {
		if s.DoctorLabel == doctorLabel {
			return s, true
		}
	}
	return OfferedSlot{}, false
}

// StartOf resolves a doctor-local slot label on date to an absolute instant.
func (c *Calculator) StartOf(date time.Time, label string) (time.Time, error) {
	clock, err := ParseLabel(label)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, c.doctorLoc), nil
}

// DoctorLabel converts a slot shown to a user (local date + label) back to
// the doctor's date and label.
func (c *Calculator) DoctorLabel(localDate, localLabel string, userLoc *time.Location) (string, string, error) {
	if userLoc == nil {
		userLoc = c.doctorLoc
	}
	t, err := time.ParseInLocation(DateLayout+" "+LabelLayout, localDate+" "+strings.TrimSpace(localLabel), userLoc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	doc := t.In(c.doctorLoc)
	return doc.Format(DateLayout), doc.Format(LabelLayout), nil
}

// ParseLabel parses a slot label and checks it sits on a half-hour boundary.
func ParseLabel(label string) (time.Time, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	t, err := time.Parse(LabelLayout, label)
	if err != nil {
		if t, err = time.Parse("3:04 PM", label); err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSlot, label)
		}
	}
	if t.Minute()%30 != 0 {
		return time.Time{}, fmt.Errorf("%w: %q is not on a half-hour boundary", ErrInvalidSlot, label)
	}
	return t, nil
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// LoadLocation resolves an IANA timezone name, treating empty as fallback.
func LoadLocation(name string, fallback *time.Location) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// NormalizeLabel returns the canonical form of a slot label ("6:00 pm" -> "06:00 PM").
func NormalizeLabel(label string) (string, error) {
	t, err := ParseLabel(label)
	if err != nil {
		return "", err
	}
	return t.Format(LabelLayout), nil
}
