package quarantine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/1sec-project/bastion/internal/payload"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ModuleName = "quarantine"

// Options configures a Service. Store is required; everything else is optional.
type Options struct {
	Store    Store
	Notifier notify.SecurityNotifier
	Audit    *core.AuditLog
	Bus      *core.EventBus
	Metrics  *core.Metrics
	Logger   zerolog.Logger
	Config   core.QuarantineConfig
}

// Service owns quarantine writes, lookups, purges and retention sweeps.
// Writes are asynchronous relative to the caller: Quarantine returns as soon
// as the redacted record is queued.
type Service struct {
	store    Store
	notifier notify.SecurityNotifier
	audit    *core.AuditLog
	bus      *core.EventBus
	metrics  *core.Metrics
	logger   zerolog.Logger

	retention     atomic.Int64
	sweepInterval atomic.Int64

	writes    chan *Record
	pending   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	sendMu    sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewService creates a Service and starts its write loop.
func NewService(opts Options) *Service {
	if opts.Audit == nil {
		opts.Audit = core.NopAuditLog()
	}
	if opts.Metrics == nil {
		opts.Metrics = core.NewMetrics()
	}
	buf := opts.Config.WriteBuffer
	if buf <= 0 {
		buf = 256
	}

	s := &Service{
		store:    opts.Store,
		notifier: opts.Notifier,
		audit:    opts.Audit,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", ModuleName).Logger(),
		writes:   make(chan *Record, buf),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.SetRetention(opts.Config.Retention)
	s.SetSweepInterval(opts.Config.SweepInterval)

	go s.writeLoop()
	return s
}

// SetRetention changes the retention applied to new records.
func (s *Service) SetRetention(d time.Duration) {
	if d <= 0 {
		d = 30 * 24 * time.Hour
	}
	s.retention.Store(int64(d))
}

// Retention returns the active retention period.
func (s *Service) Retention() time.Duration {
	return time.Duration(s.retention.Load())
}

// SetSweepInterval changes the retention sweep interval. A running sweeper
// picks it up after its next tick.
func (s *Service) SetSweepInterval(d time.Duration) {
	if d <= 0 {
		d = time.Hour
	}
	s.sweepInterval.Store(int64(d))
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Quarantine redacts payload and analysis, builds the record and queues it
// for persistence. The returned record is exactly what will be stored. A
// non-nil error means the record could not be queued; the caller's
// rejection decision stands either way.
func (s *Service) Quarantine(ctx context.Context, p interface{}, rc *core.RequestContext, analysis *threat.Result) (*Record, error) {
	now := s.now()
	rec := &Record{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Payload:      payload.Redact(p),
		Analysis:     RedactAnalysis(analysis),
		Status:       StatusQuarantined,
		AutoDeleteAt: now.Add(s.Retention()),
	}
	if rc != nil {
		rec.Context = *rc
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		err := core.NewError(core.KindStorageFailure, "quarantine.enqueue", "quarantine service closed", nil)
		s.recordFailure(rec, err)
		return rec, err
	}

	s.pending.Add(1)
	select {
	case s.writes <- rec:
		return rec, nil
	default:
		s.pending.Done()
		err := core.NewError(core.KindStorageFailure, "quarantine.enqueue", "quarantine write buffer full", nil)
		s.recordFailure(rec, err)
		return rec, err
	}
}

// Find returns records matching c, newest first.
func (s *Service) Find(ctx context.Context, c Criteria) ([]*Record, error) {
	return s.store.Find(ctx, c)
}

// Get returns a record by id, or core.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// Purge soft-purges every QUARANTINED record matching c: the payload is
// replaced by the redaction marker and the status moves to PURGED. It
// returns the number of records purged.
func (s *Service) Purge(ctx context.Context, c Criteria) (int, error) {
	c.Status = StatusQuarantined
	recs, err := s.store.Find(ctx, c)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range recs {
		now := s.now()
		rec.Status = StatusPurged
		rec.Payload = RedactionMarker
		rec.PurgedAt = &now
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.ID).Msg("purge update failed")
			return purged, err
		}
		purged++
		s.audit.Record("quarantine_purge").Str("record_id", rec.ID).Msg("quarantine record purged")
	}
	s.metrics.QuarantinePurged.Add(float64(purged))
	return purged, nil
}

// SweepExpired deletes every record whose auto-delete time is at or before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.store.Find(ctx, Criteria{ExpiredBefore: now})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range recs {
		if err := s.store.Delete(ctx, rec.ID); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.ID).Msg("expired record delete failed")
			continue
		}
		deleted++
		s.audit.Record("quarantine_expire").Str("record_id", rec.ID).
			Time("auto_delete_at", rec.AutoDeleteAt).Msg("quarantine record expired")
	}
	if deleted > 0 {
		s.metrics.QuarantinePurged.Add(float64(deleted))
		s.logger.Info().Int("deleted", deleted).Msg("retention sweep removed expired records")
	}
	return deleted, nil
}

// Wait blocks until every queued write has been attempted.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Close drains queued writes and stops the write loop. It does not close
// the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.writes)
		s.sendMu.Unlock()
		<-s.done
	})
	return nil
}

// ─── Module (retention sweeper) ──────────────────────────────────────────────

func (s *Service) Name() string { return ModuleName }

// Start launches the retention sweeper.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.sweepLoop(ctx)
	return nil
}

// Stop halts the retention sweeper.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := time.Duration(s.sweepInterval.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, s.now()); err != nil {
				s.logger.Error().Err(err).Msg("retention sweep failed")
			}
			if next := time.Duration(s.sweepInterval.Load()); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// ─── Write loop ──────────────────────────────────────────────────────────────

func (s *Service) writeLoop() {
	defer close(s.done)
	for rec := range s.writes {
		s.persist(rec)
		s.pending.Done()
	}
}

func (s *Service) persist(rec *Record) {
	err := s.store.Create(context.Background(), rec)
	if err != nil {
		s.recordFailure(rec, core.NewError(core.KindStorageFailure, "quarantine.persist", "persisting quarantine record", err))
	} else {
		s.metrics.Quarantined.Inc()
		s.audit.Record("quarantine").
			Str("record_id", rec.ID).
			Str("threat_level", rec.Level().String()).
			Str("user_id", rec.Context.UserID).
			Str("ip", rec.Context.IP).
			Str("route", rec.Context.Route).
			Interface("categories", categoriesOf(rec)).
			Time("auto_delete_at", rec.AutoDeleteAt).
			Msg("payload quarantined")
	}
	s.raiseAlert(rec, err == nil)
}

func (s *Service) recordFailure(rec *Record, err error) {
	s.metrics.QuarantineFailures.Inc()
	s.logger.Error().Err(err).
		Str("record_id", rec.ID).
		Str("error_kind", core.KindOf(err).String()).
		Msg("quarantine storage failure")
	s.audit.Record("quarantine_failure").Str("record_id", rec.ID).Err(err).Msg("quarantine record not persisted")
}

func (s *Service) raiseAlert(rec *Record, persisted bool) {
	event := core.NewSecurityEvent(ModuleName, "payload_quarantined", core.SeverityCritical,
		fmt.Sprintf("CRITICAL payload quarantined on %s", rec.Context.Route))
	event.Request = &rec.Context
	event.Details["record_id"] = rec.ID
	event.Details["persisted"] = persisted
	event.Details["categories"] = categoriesOf(rec)

	if s.bus != nil {
		if err := s.bus.PublishEvent(event); err != nil {
			s.logger.Error().Err(err).Str("record_id", rec.ID).Msg("failed to publish quarantine event")
		}
	}
	if s.notifier == nil {
		return
	}

	alert := core.NewAlert(event, "Payload quarantined",
		fmt.Sprintf("A CRITICAL payload from user %q (%s) was rejected and quarantined as record %s.",
			rec.Context.UserID, rec.Context.IP, rec.ID))
	alert.Metadata["record_id"] = rec.ID
	alert.Metadata["persisted"] = persisted
	if rec.Analysis != nil {
		alert.Mitigations = rec.Analysis.Recommendations
	}
	s.notifier.NotifySecurityTeam(context.Background(), alert)
}

func categoriesOf(rec *Record) []string {
	if rec.Analysis == nil {
		return nil
	}
	return rec.Analysis.Categories()
}
