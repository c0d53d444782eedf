// Package menu is the read-only view of the published canteen menu that order
// placement validates against. Publishing and versioning menus happen elsewhere.
package menu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

var (
	ErrNotOrderable = errors.New("service date is not orderable")
	ErrBadWeekday   = errors.New("unknown weekday")
)

type Item struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Price     int64          `json:"price"`    // minor units
	DailyCap  int            `json:"dailyCap"` // per student per service date, 0 = no cap
	Days      []time.Weekday `json:"days,omitempty"`
	Available bool           `json:"available"`
}

// ServedOn reports whether the item is offered on the given weekday.
// An item without explicit days is served every orderable day.
func (i Item) ServedOn(d time.Weekday) bool {
	if len(i.Days) == 0 {
		return true
	}
	for _, x := range i.Days {
		if x == d {
			return true
		}
	}
	return false
}

// Calendar decides which service dates are still open for ordering.
type Calendar struct {
	OrderableDays []time.Weekday
	LeadTime      time.Duration // ordering closes this long before the service day starts
	Location      *time.Location
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Cutoff is the last instant an order for serviceDate is accepted.
func (c Calendar) Cutoff(serviceDate time.Time) time.Time {
	y, m, d := serviceDate.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc()).Add(-c.LeadTime)
}

func (c Calendar) CheckOrderable(serviceDate, now time.Time) error {
	wd := serviceDate.Weekday()
	open := false
	for _, d := range c.OrderableDays {
		if d == wd {
			open = true
			break
		}
	}
	if !open {
		return fmt.Errorf("%w: canteen is closed on %s", ErrNotOrderable, wd)
	}
	if !now.Before(c.Cutoff(serviceDate)) {
		return fmt.Errorf("%w: ordering for %s closed at %s", ErrNotOrderable,
			FormatDate(serviceDate), c.Cutoff(serviceDate).Format(time.RFC3339))
	}
	return nil
}

type Menu struct {
	Calendar
	Items map[string]Item
}

func (m Menu) Lookup(id string) (Item, bool) {
	it, ok := m.Items[id]
	return it, ok
}

// On lists the available items served on the given date, ordered by id.
func (m Menu) On(serviceDate time.Time) []Item {
	out := make([]Item, 0, len(m.Items))
	for _, it := range m.Items {
		if it.Available && it.ServedOn(serviceDate.Weekday()) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Catalog returns the menu in effect for a service date.
type Catalog interface {
	Menu(ctx context.Context, serviceDate time.Time) (Menu, error)
}

// Static serves one fixed menu for every date.
type Static struct{ M Menu }

func (s Static) Menu(_ context.Context, _ time.Time) (Menu, error) { return s.M, nil }

// ParseDate parses YYYY-MM-DD into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// DateOf truncates t to its calendar day, as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadWeekday, s)
	}
	return d, nil
}

// ParseWeekdays parses a list such as "mon,tue,wed".
func ParseWeekdays(list []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		d, err := ParseWeekday(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
