// Package worker implements the Per-Table Worker (C7): one cooperative
// state machine per table, sequencing schema cloning, full load, and
// incremental tailing, bounded by the global concurrency semaphore.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/block/mssql-replicator/pkg/errs"
	"github.com/block/mssql-replicator/pkg/fullload"
	"github.com/block/mssql-replicator/pkg/incremental"
	"github.com/block/mssql-replicator/pkg/schema"
	"github.com/block/mssql-replicator/pkg/statestore"
	"github.com/block/mssql-replicator/pkg/table"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// State is one node of the worker's state machine (spec.md §4.7).
type State int32

const (
	StateDiscovered State = iota
	StatePaused
	StateStarting
	StateFullLoading
	StateTailing
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StatePaused:
		return "paused"
	case StateStarting:
		return "starting"
	case StateFullLoading:
		return "fullLoading"
	case StateTailing:
		return "tailing"
	default:
		return "unknown"
	}
}

// statusInterval mirrors the teacher's dumpStatus cadence
// (pkg/migration/runner.go's statusInterval), scaled down to this spec's
// much shorter per-tick cycle (spec.md §6 default poll interval is 5s).
var statusInterval = 30 * time.Second

// maxBackoff bounds the exponential backoff applied after a transient
// failure (spec.md §7: "retry next tick with backoff").
const maxBackoff = 30 * time.Second

// Worker drives one table through {discovered -> paused <-> starting ->
// full-loading/tailing}, forever, until its context is cancelled. Cancellation
// is only honored between ticks; mid-batch cancellation is never attempted
// (spec.md §4.7 last paragraph).
type Worker struct {
	// fullName is immutable for the life of the worker; dumpStatus's
	// background goroutine reads it (plus the atomic state and startTime,
	// which is set before that goroutine starts) instead of desc, so it
	// never races with tick's mutation of desc.
	fullName string
	desc     table.Descriptor

	cloner     *schema.Cloner
	intro      *schema.Introspector
	fullLoader *fullload.Engine
	incrEngine *incremental.Engine
	store      *statestore.Store
	sem        *semaphore.Weighted

	pollInterval time.Duration
	log          loggers.Advanced

	currentState int32 // atomic, see getState/setState
	startTime    time.Time

	// backoff is the delay Run sleeps before the next tick. It grows
	// exponentially (capped at maxBackoff) on a transient failure and
	// resets to pollInterval as soon as a tick makes progress again. Only
	// ever touched from the single goroutine that calls tick/Run.
	backoff time.Duration
}

// Config bundles the collaborators a Worker needs; one Config is shared by
// every worker the coordinator spawns.
type Config struct {
	Cloner       *schema.Cloner
	Introspector *schema.Introspector
	FullLoader   *fullload.Engine
	Incremental  *incremental.Engine
	Store        *statestore.Store
	Semaphore    *semaphore.Weighted
	PollInterval time.Duration
	Logger       loggers.Advanced
}

// New builds a Worker for desc. The worker keeps its copy of desc between
// ticks and re-resolves it from cfg.Introspector each time it passes
// through Starting, so schema evolution is picked up there (matching
// table.Descriptor's documented lifetime).
func New(desc table.Descriptor, cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		fullName:     desc.FullName(),
		desc:         desc,
		cloner:       cfg.Cloner,
		intro:        cfg.Introspector,
		fullLoader:   cfg.FullLoader,
		incrEngine:   cfg.Incremental,
		store:        cfg.Store,
		sem:          cfg.Semaphore,
		pollInterval: pollInterval,
		log:          log,
		currentState: int32(StateDiscovered),
		backoff:      pollInterval,
	}
}

func (w *Worker) getState() State { return State(atomic.LoadInt32(&w.currentState)) }
func (w *Worker) setState(s State) {
	atomic.StoreInt32(&w.currentState, int32(s))
}

// recordFailure doubles the next tick's delay, capped at maxBackoff.
func (w *Worker) recordFailure() {
	if w.backoff < w.pollInterval {
		w.backoff = w.pollInterval
	}
	w.backoff *= 2
	if w.backoff > maxBackoff {
		w.backoff = maxBackoff
	}
}

// recordSuccess resets the tick delay back to the configured poll interval.
func (w *Worker) recordSuccess() {
	w.backoff = w.pollInterval
}

// Run drives the state machine until ctx is cancelled. It never returns an
// error for routine table-level failures (schema mismatch, lost CT tail);
// those transition the worker to Paused or FullLoading instead. It returns
// an error only for a fatal, worker-ending condition.
func (w *Worker) Run(ctx context.Context) error {
	w.startTime = time.Now()
	go w.dumpStatus(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.backoff):
		}
	}
}

// tick runs exactly one state-machine step, honoring ctx cancellation only
// at its own entry (never mid-transition).
func (w *Worker) tick(ctx context.Context) error {
	switch w.getState() {
	case StateDiscovered, StatePaused:
		return w.tickDiscoveredOrPaused(ctx)
	case StateStarting:
		return w.tickStarting(ctx)
	case StateFullLoading:
		return w.tickFullLoading(ctx)
	case StateTailing:
		return w.tickTailing(ctx)
	default:
		return fmt.Errorf("worker(%s): unknown state %v", w.desc.FullName(), w.getState())
	}
}

func (w *Worker) tickDiscoveredOrPaused(ctx context.Context) error {
	st, err := w.store.GetSyncState(ctx, w.desc.FullName())
	if err != nil {
		w.log.Warnf("worker(%s): %v", w.desc.FullName(), err)
		return nil
	}
	if st.Enabled {
		w.setState(StateStarting)
	} else {
		w.setState(StatePaused)
	}
	return nil
}

func (w *Worker) tickStarting(ctx context.Context) error {
	if err := w.acquire(ctx); err != nil {
		return nil
	}
	defer w.sem.Release(1)

	st, err := w.store.GetSyncState(ctx, w.desc.FullName())
	if err != nil {
		w.log.Warnf("worker(%s): %v", w.desc.FullName(), err)
		return nil
	}
	if !st.Enabled {
		w.setState(StatePaused)
		return nil
	}
	if err := w.cloneSchema(ctx); err != nil {
		w.log.Errorf("worker(%s): schema clone failed: %v", w.desc.FullName(), err)
		w.recordFailure()
		w.setState(StatePaused)
		return nil
	}
	w.recordSuccess()
	if st.ForceFullLoad || st.Version == 0 {
		w.setState(StateFullLoading)
	} else {
		w.setState(StateTailing)
	}
	return nil
}

func (w *Worker) tickFullLoading(ctx context.Context) error {
	if err := w.acquire(ctx); err != nil {
		return nil
	}
	defer w.sem.Release(1)

	if !w.checkStillEnabled(ctx) {
		return nil
	}
	// Once the batch starts it runs to completion; cancellation is only
	// observed between ticks.
	if err := w.fullLoader.Run(context.WithoutCancel(ctx), w.desc); err != nil {
		var mismatch *errs.SchemaMismatch
		if errors.As(err, &mismatch) {
			w.pauseOnSchemaMismatch(ctx, err)
			return nil
		}
		w.log.Errorf("worker(%s): full load failed: %v", w.desc.FullName(), err)
		w.recordFailure()
		w.setState(StatePaused)
		return nil
	}
	w.recordSuccess()
	w.setState(StateTailing)
	return nil
}

// pauseOnSchemaMismatch implements spec.md §7's SchemaMismatch policy:
// disable the table in the state store (not just in-memory) and pause,
// so a later tick doesn't re-enter Starting and retry the same doomed
// insert forever.
func (w *Worker) pauseOnSchemaMismatch(ctx context.Context, err error) {
	w.log.Errorf("worker(%s): schema mismatch, pausing for operator intervention: %v", w.desc.FullName(), err)
	if serr := w.store.SetEnabled(ctx, w.desc.FullName(), false); serr != nil {
		w.log.Warnf("worker(%s): %v", w.desc.FullName(), serr)
	}
	w.setState(StatePaused)
}

func (w *Worker) tickTailing(ctx context.Context) error {
	if err := w.acquire(ctx); err != nil {
		return nil
	}
	defer w.sem.Release(1)

	if !w.checkStillEnabled(ctx) {
		return nil
	}
	if !w.desc.HasPrimaryKey() {
		w.log.Warnf("worker(%s): no primary key, forcing full load", w.desc.FullName())
		if err := w.store.SetForceFullLoad(ctx, w.desc.FullName(), true); err != nil {
			w.log.Warnf("worker(%s): %v", w.desc.FullName(), err)
		}
		w.setState(StateFullLoading)
		return nil
	}

	err := w.incrEngine.Tick(context.WithoutCancel(ctx), w.desc)
	if err == nil {
		w.recordSuccess()
		return nil
	}

	var noPK *errs.NoPrimaryKey
	if errors.As(err, &noPK) {
		w.setState(StateFullLoading)
		return nil
	}

	var histLost *errs.CTHistoryLost
	if errors.As(err, &histLost) {
		w.log.Warnf("worker(%s): %v, forcing full load", w.desc.FullName(), err)
		if serr := w.store.SetForceFullLoad(ctx, w.desc.FullName(), true); serr != nil {
			w.log.Warnf("worker(%s): %v", w.desc.FullName(), serr)
		}
		w.setState(StateFullLoading)
		return nil
	}

	var mismatch *errs.SchemaMismatch
	if errors.As(err, &mismatch) {
		w.pauseOnSchemaMismatch(ctx, err)
		return nil
	}

	w.log.Errorf("worker(%s): incremental tick failed: %v", w.desc.FullName(), err)
	w.recordFailure()
	return nil
}

// checkStillEnabled re-reads sync state and transitions to Paused if the
// operator disabled the table since the last tick (spec.md §4.7: "enabled
// flips false at any non-critical boundary").
func (w *Worker) checkStillEnabled(ctx context.Context) bool {
	st, err := w.store.GetSyncState(ctx, w.desc.FullName())
	if err != nil {
		w.log.Warnf("worker(%s): %v", w.desc.FullName(), err)
		return true // don't flap to paused on a transient store error
	}
	if !st.Enabled {
		w.setState(StatePaused)
		return false
	}
	if st.ForceFullLoad && w.getState() == StateTailing {
		w.setState(StateFullLoading)
		return false
	}
	return true
}

func (w *Worker) cloneSchema(ctx context.Context) error {
	primaryDesc, err := w.intro.DescribeTable(ctx, schema.Primary, w.desc.Schema, w.desc.Name)
	if err != nil {
		return err
	}
	if primaryDesc == nil {
		return fmt.Errorf("table %s no longer exists on primary", w.desc.FullName())
	}
	w.desc = *primaryDesc
	w.desc.CTEnabled = true

	replicaDesc, err := w.intro.DescribeTable(ctx, schema.Replica, w.desc.Schema, w.desc.Name)
	if err != nil {
		return err
	}
	return w.cloner.Clone(ctx, w.desc, replicaDesc)
}

func (w *Worker) acquire(ctx context.Context) error {
	if w.sem == nil {
		return nil
	}
	return w.sem.Acquire(ctx, 1)
}

// dumpStatus periodically logs the worker's state, mirroring
// Runner.dumpStatus in pkg/migration/runner.go.
func (w *Worker) dumpStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.log.Infof("worker status: table=%s state=%s total-time=%s",
				w.fullName, w.getState(), time.Since(w.startTime).Round(time.Second))
		}
	}
}
