package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMaxSlots bounds how many slots a single live window may produce.
const DefaultMaxSlots = 1000

var errNotSlotAligned = errors.New("@every schedules are not slot aligned")

// Evaluator maps a cron expression and a time window to the slots due in it.
//
// Accepted forms are six-field cron with seconds ("0 */5 * * * *"), classic five-field
// crontab and descriptors such as "@daily". Expressions without an explicit
// CRON_TZ=/TZ= prefix are evaluated in the evaluator's location.
type Evaluator struct {
	parser   cron.Parser
	loc      *time.Location
	maxSlots int
}

func NewEvaluator(loc *time.Location, maxSlots int) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	if maxSlots < 0 {
		maxSlots = 0
	}
	return &Evaluator{
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      loc,
		maxSlots: maxSlots,
	}
}

// Compile parses expr. Errors are always *ScheduleError.
func (e *Evaluator) Compile(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, &ScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}
	sched, err := e.parser.Parse(trimmed)
	if err != nil {
		return nil, &ScheduleError{Expr: expr, Err: err}
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, &ScheduleError{Expr: expr, Err: errNotSlotAligned}
	}
	if !hasTZPrefix(trimmed) {
		spec.Location = e.loc
	}
	return spec, nil
}

// DueSlots returns the ascending slots s with start < s <= end.
func (e *Evaluator) DueSlots(expr string, start, end time.Time) ([]time.Time, error) {
	sched, err := e.Compile(expr)
	if err != nil {
		return nil, err
	}
	slots, _ := e.Slots(sched, start, end)
	return slots, nil
}

// Slots walks sched through (start, end]. When the window holds more than the
// configured maximum, the newest slots are kept and skipped counts the rest.
func (e *Evaluator) Slots(sched cron.Schedule, start, end time.Time) (slots []time.Time, skipped int) {
	if sched == nil || !end.After(start) {
		return nil, 0
	}
	for t := sched.Next(start); !t.IsZero() && !t.After(end); t = sched.Next(t) {
		slots = append(slots, t)
		if e.maxSlots > 0 && len(slots) >= 2*e.maxSlots {
			drop := len(slots) - e.maxSlots
			skipped += drop
			slots = append(slots[:0], slots[drop:]...)
		}
	}
	if e.maxSlots > 0 && len(slots) > e.maxSlots {
		drop := len(slots) - e.maxSlots
		skipped += drop
		slots = append(slots[:0], slots[drop:]...)
	}
	return slots, skipped
}

// AllSlots walks sched through (start, end] without the slot cap. Catch-up uses it so
// every missed slot is replayed; its window is bounded by the catch-up max age instead.
func (e *Evaluator) AllSlots(sched cron.Schedule, start, end time.Time) []time.Time {
	if sched == nil || !end.After(start) {
		return nil
	}
	var slots []time.Time
	for t := sched.Next(start); !t.IsZero() && !t.After(end); t = sched.Next(t) {
		slots = append(slots, t)
	}
	return slots
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}
