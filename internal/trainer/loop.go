package trainer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Loop runs training iterations on a cron schedule. Iterations never overlap:
// if one is still in flight when the next fire time arrives, that fire is
// skipped and logged.
type Loop struct {
	orch     *Orchestrator
	schedule cron.Schedule
	logger   *log.Logger
	running  chan struct{}
}

// NewLoop parses a 5-field cron expression (e.g. "0 * * * *" for hourly).
func NewLoop(orch *Orchestrator, expr string, logger *log.Logger) (*Loop, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[trainer] ", log.LstdFlags)
	}
	return &Loop{
		orch:     orch,
		schedule: sched,
		logger:   logger,
		running:  make(chan struct{}, 1),
	}, nil
}

// Run blocks until the context is cancelled, firing an iteration at each
// scheduled time.
func (l *Loop) Run(ctx context.Context) error {
	for {
		next := l.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		l.fire(ctx)
	}
}

func (l *Loop) fire(ctx context.Context) {
	select {
	case l.running <- struct{}{}:
	default:
		l.logger.Printf("previous iteration still running, skipping this fire")
		return
	}
	go func() {
		defer func() { <-l.running }()
		result, err := l.orch.RunIteration(ctx)
		if err != nil {
			l.logger.Printf("iteration error: %v", err)
			return
		}
		l.logger.Printf("iteration finished: %s", result.State)
	}()
}
