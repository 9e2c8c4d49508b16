package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	dsvc "mt5bridge/internal/domain/service"
	"mt5bridge/internal/infrastructure/metrics"
)

type ServiceDeps struct {
	Source     Source
	Sink       Sink
	Recovery   Recovery
	Reconciler *dsvc.Reconciler
	// Live is an optional console status line.
	Live port.Sink

	PollInterval     time.Duration
	TickTimeout      time.Duration
	ShutdownTimeout  time.Duration
	HeartbeatTimeout time.Duration
	OfflineAfter     int

	InstanceID string
	Now        func() time.Time
}

// Service is the reconciliation main loop. Ticks run one at a time on the
// caller's goroutine.
type Service struct {
	deps ServiceDeps
	fmt  *Formatter

	mu       sync.RWMutex
	phase    Phase
	health   model.Heartbeat
	failures int
	started  time.Time
}

func NewService(deps ServiceDeps) *Service {
	if deps.Reconciler == nil {
		deps.Reconciler = dsvc.NewReconciler()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = time.Second
	}
	if deps.TickTimeout <= 0 {
		deps.TickTimeout = 15 * time.Second
	}
	if deps.ShutdownTimeout <= 0 {
		deps.ShutdownTimeout = 10 * time.Second
	}
	if deps.HeartbeatTimeout <= 0 {
		deps.HeartbeatTimeout = 5 * time.Second
	}
	if deps.OfflineAfter <= 0 {
		deps.OfflineAfter = 5
	}
	return &Service{deps: deps, fmt: NewFormatter()}
}

func (s *Service) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Health returns the last heartbeat produced by the loop.
func (s *Service) Health() model.Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Start recovers the baseline from the store. Any error is fatal.
func (s *Service) Start(ctx context.Context) (State, error) {
	s.setPhase(PhaseStarting)
	now := s.deps.Now()

	rec, err := s.deps.Recovery.Recover(ctx, now)
	if err != nil {
		s.setPhase(PhaseFatal)
		if !domain.IsFatal(err) {
			err = domain.Fatal("bridge.Start", err)
		}
		return State{}, err
	}

	s.mu.Lock()
	s.started = now
	s.health = model.Heartbeat{
		InstanceID:        s.deps.InstanceID,
		Status:            model.StatusHealthy,
		LastSeenAt:        now,
		OpenPositionCount: rec.Baseline.Len(),
		StartedAt:         now,
	}
	s.phase = PhaseRunning
	s.mu.Unlock()

	metrics.OpenPositions.Set(float64(rec.Baseline.Len()))
	log.Info().
		Int("baseline", rec.Baseline.Len()).
		Time("cursor", rec.Cursor).
		Str("instance", s.deps.InstanceID).
		Msg("bridge started")
	return NewState(rec.Baseline, rec.Cursor), nil
}

// Tick runs fetch, reconcile and persist once. On error the returned State
// keeps st's baseline and cursor; OPEN events already stored are remembered
// so their CLOSE is not missed.
func (s *Service) Tick(ctx context.Context, st State) (State, TickReport, error) {
	rep := TickReport{Started: s.deps.Now()}

	positions, err := s.deps.Source.FetchOpenPositions(ctx)
	if err != nil {
		return st, rep, fmt.Errorf("fetch positions: %w", err)
	}
	fetchedAt := s.deps.Now()

	dealsOK := true
	deals, err := s.deps.Source.FetchClosedDealsSince(ctx, st.Cursor)
	if err != nil {
		if ctx.Err() != nil {
			return st, rep, fmt.Errorf("fetch deals: %w", err)
		}
		// closes fall back to synthesized events; the cursor stays put
		dealsOK = false
		deals = nil
		rep.Contained = append(rep.Contained, fmt.Errorf("fetch deals: %w", err))
		log.Warn().Err(err).Msg("closed deals unavailable, synthesizing closes")
	}

	plan := s.deps.Reconciler.Reconcile(dsvc.Input{
		Baseline:    st.effective(),
		Current:     positions,
		ClosedDeals: deals,
		Pending:     st.Pending,
		Closed:      st.Closed,
		FetchedAt:   fetchedAt,
	})

	rep.Positions = len(plan.Upserts)
	rep.Rejected = len(plan.Rejected)
	for _, rerr := range plan.Rejected {
		metrics.DroppedRecords.WithLabelValues(rejectReason(rerr)).Inc()
		log.Warn().Err(rerr).Msg("record dropped")
	}
	if rep.Rejected > 0 {
		rep.Contained = append(rep.Contained, fmt.Errorf("dropped %d invalid record(s): %w", rep.Rejected, plan.Rejected[0]))
	}

	if acked, err := s.persist(ctx, plan, dealsOK, st.Cursor, &rep); err != nil {
		return st.acknowledge(plan, acked), rep, err
	}
	return st.advance(plan, fetchedAt, dealsOK), rep, nil
}

// persist writes a plan in dependency order. Each trade insert is
// acknowledged before the next one starts. It returns the tickets of
// plan.Opened whose OPEN the store accepted.
func (s *Service) persist(ctx context.Context, plan dsvc.Plan, dealsOK bool, cursor time.Time, rep *TickReport) (acked []int64, err error) {
	insert := func(ev model.TradeEvent) error {
		out, err := s.deps.Sink.InsertTradeIfAbsent(ctx, ev)
		if err != nil {
			return fmt.Errorf("insert %s %d: %w", ev.Action, ev.Ticket, err)
		}
		if out == model.Duplicate {
			rep.Duplicates++
		}
		return nil
	}

	for _, pair := range plan.Flash {
		if err := insert(pair.Open); err != nil {
			return acked, err
		}
		if err := insert(pair.Close); err != nil {
			return acked, err
		}
		rep.Flash++
	}
	for _, ev := range plan.Opened {
		if err := insert(ev); err != nil {
			return acked, err
		}
		acked = append(acked, ev.Ticket)
		rep.Opened++
	}
	if err := s.deps.Sink.UpsertPositions(ctx, plan.Upserts); err != nil {
		return acked, fmt.Errorf("upsert positions: %w", err)
	}
	for _, ev := range plan.Closed {
		if err := insert(ev); err != nil {
			return acked, err
		}
		rep.Closed++
	}
	rep.Synthesized = plan.Synthesized()
	if err := s.deps.Sink.RemovePositions(ctx, plan.Removed); err != nil {
		return acked, fmt.Errorf("remove positions: %w", err)
	}
	if dealsOK && plan.DealsUntil.After(cursor) {
		if err := s.deps.Sink.SaveCursor(ctx, plan.DealsUntil); err != nil {
			return acked, fmt.Errorf("save cursor: %w", err)
		}
	}
	return acked, nil
}

// Run recovers, then ticks until ctx is cancelled. It returns nil on a clean
// shutdown and a fatal failure when recovery fails.
func (s *Service) Run(ctx context.Context) error {
	st, err := s.Start(ctx)
	if err != nil {
		log.Error().Err(err).Msg("baseline recovery failed")
		return err
	}

	reporter := newHeartbeatReporter(s.deps.Sink, s.deps.HeartbeatTimeout)
	defer func() {
		reporter.submit(s.shutdownHeartbeat())
		reporter.stop()
		if s.deps.Live != nil {
			_ = s.deps.Live.NewLine()
		}
		if s.Phase() != PhaseFatal {
			s.setPhase(PhaseStopped)
		}
		log.Info().Msg("bridge stopped")
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		began := s.deps.Now()
		tctx, cancel := s.tickContext(ctx)
		next, rep, err := s.Tick(tctx, st)
		cancel()
		rep.Duration = s.deps.Now().Sub(began)

		st = next
		hb := s.observe(rep, err, st)
		reporter.submit(hb)
		if domain.IsFatal(err) {
			s.setPhase(PhaseFatal)
			log.Error().Err(err).Msg("fatal tick failure")
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := s.deps.PollInterval - rep.Duration
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// tickContext survives parent cancellation for at most ShutdownTimeout so an
// in-flight tick can finish its writes.
func (s *Service) tickContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.deps.TickTimeout)
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(s.deps.ShutdownTimeout, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// observe folds a tick result into health, metrics and logs, and returns the
// heartbeat to report.
func (s *Service) observe(rep TickReport, tickErr error, st State) model.Heartbeat {
	s.mu.Lock()
	if tickErr != nil {
		s.failures++
	} else {
		s.failures = 0
	}

	status := model.StatusHealthy
	var lastErr *string
	switch {
	case tickErr != nil:
		status = model.StatusDegraded
		lastErr = model.Str(tickErr.Error())
	case len(rep.Contained) > 0:
		status = model.StatusDegraded
		lastErr = model.Str(errors.Join(rep.Contained...).Error())
	}
	if s.failures >= s.deps.OfflineAfter {
		status = model.StatusOffline
	}

	s.phase = PhaseRunning
	if status != model.StatusHealthy {
		s.phase = PhaseDegraded
	}
	s.health = model.Heartbeat{
		InstanceID:        s.deps.InstanceID,
		Status:            status,
		LastSeenAt:        s.deps.Now(),
		OpenPositionCount: st.Baseline.Len(),
		LastError:         lastErr,
		StartedAt:         s.started,
	}
	hb := s.health
	failures := s.failures
	s.mu.Unlock()

	result := "ok"
	switch {
	case tickErr != nil:
		result = "failed"
	case len(rep.Contained) > 0:
		result = "degraded"
	}
	metrics.Ticks.WithLabelValues(result).Inc()
	metrics.ObserveTick(rep.Duration)
	metrics.OpenPositions.Set(float64(hb.OpenPositionCount))
	metrics.SetStatus(string(status))

	switch {
	case tickErr != nil:
		log.Warn().Err(tickErr).Int("consecutive_failures", failures).Str("status", string(status)).Msg("tick failed")
	case !rep.Quiet():
		log.Info().
			Int("positions", rep.Positions).
			Int("opened", rep.Opened).
			Int("closed", rep.Closed).
			Int("flash", rep.Flash).
			Int("synthesized", rep.Synthesized).
			Int("duplicates", rep.Duplicates).
			Int("dropped", rep.Rejected).
			Dur("took", rep.Duration).
			Msg("tick")
	default:
		log.Debug().Int("positions", rep.Positions).Dur("took", rep.Duration).Msg("tick")
	}

	if s.deps.Live != nil {
		_ = s.deps.Live.WriteLive(s.fmt.Render(hb, rep, RenderLive))
	}
	return hb
}

func (s *Service) shutdownHeartbeat() model.Heartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.health
	hb.Status = model.StatusOffline
	hb.LastSeenAt = s.deps.Now()
	hb.LastError = nil
	s.health = hb
	return hb
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTicketReused):
		return "ticket_reused"
	case errors.Is(err, domain.ErrDuplicateTicket):
		return "duplicate_ticket"
	}
	return "invalid_record"
}
