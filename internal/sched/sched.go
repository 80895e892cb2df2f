// Package sched runs the fixed daily trigger on a cron scheduler pinned to
// the configured timezone.
package sched

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"polisbot/pkg/logx"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseWallClock parses "HH:MM" (24h) into hour and minute.
func ParseWallClock(v string) (hour, minute int, err error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid wall clock %q (want HH:MM)", v)
	}
	for i := 0; i < len(m[1]); i++ {
		hour = hour*10 + int(m[1][i]-'0')
	}
	minute = int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hour, minute, nil
}

// cronSpecFromWallClock converts "HH:MM" into a 5-field cron spec.
func cronSpecFromWallClock(v string) (string, error) {
	h, m, err := ParseWallClock(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

type Service struct {
	c   *cron.Cron
	loc *time.Location
	log logx.Logger

	mu     sync.Mutex
	runCtx context.Context
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		c:   cron.New(cron.WithLocation(loc)),
		loc: loc,
		log: log,
	}
}

// AddDaily registers job to fire once per day at the given wall-clock time
// in the service's timezone.
func (s *Service) AddDaily(name, atHHMM string, job func(ctx context.Context) error) error {
	spec, err := cronSpecFromWallClock(atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	_, err = s.c.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Error("scheduled job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("scheduled job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		return err
	}
	s.log.Info("daily trigger registered",
		logx.String("job", name),
		logx.String("at", atHHMM),
		logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.c.Start()
}

// Stop halts the trigger and waits for a running job, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
}
