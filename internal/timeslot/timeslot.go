// Package timeslot buckets timestamps into minute-granularity slots.
//
// Schedulers whose clocks disagree by a few seconds still land in the same
// slot, which is what lets the ledger collapse their decisions into one.
package timeslot

import (
	"fmt"
	"time"
)

// Slot is a coarse, human-readable timestamp bucket such as
// "month3.day1.week_day5.hour10.minute5". It does not carry the year.
type Slot string

// Encode derives the slot for t using t's own location.
func Encode(t time.Time) Slot {
	return Slot(fmt.Sprintf("month%d.day%d.week_day%d.hour%d.minute%d",
		int(t.Month()), t.Day(), int(t.Weekday()), t.Hour(), t.Minute()))
}

func (s Slot) String() string { return string(s) }
