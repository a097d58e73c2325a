package autosave

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"berkut-cases/config"
	"berkut-cases/core/casework"
	"berkut-cases/core/utils"

	"github.com/robfig/cron/v3"
)

const changeReason = "autosave"

// Sweep summarizes one autosave pass.
type Sweep struct {
	Saved   int
	Skipped int
	Failed  int
	// Overlapped is set when the pass did nothing because another pass was
	// still running.
	Overlapped bool
}

// Scheduler periodically flushes dirty stage content of every registered
// session. It never touches case fields and never reports errors to the
// user; failures are logged and retried on the next tick.
type Scheduler struct {
	cfg    config.AutosaveConfig
	logger *utils.Logger

	mu       sync.Mutex
	sessions map[string]*casework.Session
	cron     *cron.Cron
	cancel   context.CancelFunc
	running  bool

	inFlight atomic.Bool
}

func NewScheduler(cfg config.AutosaveConfig, logger *utils.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, logger: logger, sessions: map[string]*casework.Session{}}
}

func (s *Scheduler) Register(sess *casework.Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Scheduler) Unregister(sess *casework.Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// StartWithContext arms the timer. With autosave disabled or a zero
// interval nothing is scheduled.
func (s *Scheduler) StartWithContext(ctx context.Context) {
	if s == nil {
		return
	}
	interval := s.cfg.Interval()
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		sweep := s.RunOnce(runCtx)
		if sweep.Saved > 0 || sweep.Failed > 0 {
			s.logger.Debugf("autosave: saved=%d skipped=%d failed=%d", sweep.Saved, sweep.Skipped, sweep.Failed)
		}
	}))
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()
	c.Start()
}

// StopWithContext stops the timer and waits for a running pass to finish.
func (s *Scheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce silently saves every dirty stage of every open case. A pass that
// starts while another is running returns immediately.
func (s *Scheduler) RunOnce(ctx context.Context) Sweep {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Sweep{Overlapped: true}
	}
	defer s.inFlight.Store(false)

	var sweep Sweep
	for _, sess := range s.snapshot() {
		for _, caseID := range sess.OpenCases() {
			if ctx.Err() != nil {
				return sweep
			}
			report, err := sess.SaveDirtyStages(ctx, caseID, casework.SaveOptions{Silent: true, ChangeReason: changeReason})
			if err != nil {
				// case closed in the session between listing and saving
				continue
			}
			for _, res := range report.Results {
				switch {
				case report.Failed(res.StageID) != nil:
					sweep.Failed++
					s.logFailure(caseID, res.StageID, report.Failed(res.StageID))
				case res.Saved:
					sweep.Saved++
				default:
					sweep.Skipped++
				}
			}
		}
	}
	return sweep
}

func (s *Scheduler) logFailure(caseID, stageID int64, err error) {
	if casework.IsConflict(err) {
		s.logger.Printf("autosave: case %d stage %d has a newer version on the server, left for the user", caseID, stageID)
		return
	}
	s.logger.Errorf("autosave: case %d stage %d: %v", caseID, stageID, err)
}

func (s *Scheduler) snapshot() []*casework.Session {
	s.mu.Lock()
	out := make([]*casework.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
