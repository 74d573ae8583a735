package policy

import (
	"fmt"
	"time"

	"github.com/harun/beacon/pkg/debounce"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	// TimeWindowName names the built-in quiet-period policy.
	TimeWindowName = "time-window"
	// CapacityName names the built-in buffer size policy.
	CapacityName = "capacity-threshold"
	// ScheduleName names the optional cron policy.
	ScheduleName = "schedule"

	DefaultTimeWindow        = 10 * time.Minute
	DefaultCapacityThreshold = 100

	// timeWindowMinBuffered matches the bootstrap threshold a closing or
	// recovered session must exceed before it is uploaded.
	timeWindowMinBuffered = 1
)

// Options configures the built-in policies.
type Options struct {
	TimeWindow        time.Duration
	CapacityThreshold int
	// Schedule is a cron expression; empty disables the schedule policy.
	Schedule string
}

// Defaults returns the built-in policies wired to e's deferred trigger.
func Defaults(e *Engine, opts Options) ([]Policy, error) {
	if opts.TimeWindow <= 0 {
		opts.TimeWindow = DefaultTimeWindow
	}
	if opts.CapacityThreshold <= 0 {
		opts.CapacityThreshold = DefaultCapacityThreshold
	}

	policies := []Policy{
		TimeWindow(TimeWindowName, opts.TimeWindow, e.Deferred(TimeWindowName)),
		Capacity(CapacityName, opts.CapacityThreshold),
	}

	if opts.Schedule != "" {
		p, err := Schedule(ScheduleName, opts.Schedule, e.Deferred(ScheduleName))
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, nil
}

// TimeWindow fires once a buffer holding more than one event has seen no
// commit for window. Every such evaluation re-arms the timer, so the predicate
// itself never fires synchronously; fire is called when the timer elapses.
func TimeWindow(name string, window time.Duration, fire func()) Policy {
	d := debounce.New(window, fire)
	return Policy{
		Name: name,
		Predicate: func(s Snapshot) bool {
			if s.Buffered > timeWindowMinBuffered {
				d.Trigger()
			}
			return false
		},
		Stop: d.Stop,
	}
}

// Capacity fires whenever more than threshold events are buffered.
func Capacity(name string, threshold int) Policy {
	return Policy{
		Name: name,
		Predicate: func(s Snapshot) bool {
			return s.Buffered > threshold
		},
	}
}

// Schedule calls fire on every activation of the cron expression. Standard
// five-field expressions and descriptors such as "@every 1h" are accepted.
func Schedule(name, expr string, fire func()) (Policy, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return Policy{}, fmt.Errorf("invalid flush schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(expr, fire); err != nil {
		return Policy{}, fmt.Errorf("invalid flush schedule %q: %w", expr, err)
	}
	c.Start()

	log.Debug().Str("policy", name).Str("expr", expr).Msg("Flush schedule started")

	return Policy{
		Name:      name,
		Predicate: func(Snapshot) bool { return false },
		Stop: func() {
			<-c.Stop().Done()
		},
	}, nil
}
