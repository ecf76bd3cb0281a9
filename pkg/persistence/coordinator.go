// Package persistence keeps a board durable across the fast local tier and
// the slow remote tier.
//
// Every mutation calls Save. Bursts of calls collapse into one save cycle,
// which writes the snapshot to the fast tier, hands referenced assets to the
// asset tracker, notifies the caller and finally starts a detached write to
// the slow tier. Only contract violations are returned to callers; runtime
// failures are recorded, logged or reported through the quota flag.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/boardsync/pkg/assets"
	"github.com/hashicorp-forge/boardsync/pkg/debounce"
	"github.com/hashicorp-forge/boardsync/pkg/savelock"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/session"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

// SceneKey is the fast tier key name of a board's snapshot.
const SceneKey = "scene"

// Defaults
const (
	DefaultDebounce             = 300 * time.Millisecond
	DefaultFlushTimeout         = 1500 * time.Millisecond
	DefaultRetryMaxAttempts     = 3
	DefaultRetryInitialInterval = 200 * time.Millisecond
	DefaultRetryMaxElapsedTime  = 10 * time.Second
)

var (
	// ErrInvalidSnapshot is returned by Save for malformed input. It wraps
	// scene.ErrInvalidScene.
	ErrInvalidSnapshot = fmt.Errorf("invalid snapshot: %w", scene.ErrInvalidScene)

	// ErrClosed is returned by Save after Close.
	ErrClosed = errors.New("coordinator closed")
)

// FastTier is the synchronous local store.
type FastTier interface {
	Write(key string, value []byte) error
	Read(key string) ([]byte, error)
	BumpVersion(scope, kind string) (int64, error)
}

// SlowTier is the remote store. Save must overwrite the whole board state so
// that writes completing out of order are harmless.
type SlowTier interface {
	Save(ctx context.Context, snapshot *scene.Snapshot, files map[scene.AssetID]scene.Asset) error
	IsActive() bool
}

// RetryConfig bounds the retries of a failed slow tier write.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts     int
	InitialInterval time.Duration
	// MaxElapsedTime stops retrying once this much time has passed since the
	// first attempt.
	MaxElapsedTime time.Duration
}

// Config configures a Coordinator. Zero values are replaced by defaults.
type Config struct {
	Debounce     time.Duration
	FlushTimeout time.Duration
	Retry        RetryConfig
}

// SetDefaults sets default values for unset fields.
func (c *Config) SetDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = DefaultRetryInitialInterval
	}
	if c.Retry.MaxElapsedTime <= 0 {
		c.Retry.MaxElapsedTime = DefaultRetryMaxElapsedTime
	}
}

// State is the coordinator's position in its save cycle.
type State uint8

// State constants
const (
	StateIdle State = iota
	StatePending
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// cycle is the input of one save cycle, held between Save and the timer
// firing.
type cycle struct {
	id          string
	snapshot    *scene.Snapshot
	files       map[scene.AssetID]scene.Asset
	onPersisted func()
	requestedAt time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	fast    FastTier
	tracker *assets.Tracker
	slow    SlowTier
	session *session.Session
	lock    *savelock.Lock
	logger  hclog.Logger

	timer *debounce.Timer

	// ctx lives until Close and bounds asset and slow tier work.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cycleMu serializes the synchronous part of save cycles.
	cycleMu sync.Mutex
	running atomic.Bool

	mu             sync.Mutex
	pending        *cycle
	lastBackground chan struct{}
	closed         bool

	quotaExceeded atomic.Bool
	listenersMu   sync.Mutex
	listeners     map[int]func(bool)
	nextListener  int
}

// NewCoordinator creates a Coordinator. slow may be nil when no remote tier
// is configured; sess may be nil for a signed-out, always-visible session.
func NewCoordinator(
	cfg Config,
	fast FastTier,
	tracker *assets.Tracker,
	slow SlowTier,
	sess *session.Session,
	logger hclog.Logger,
) *Coordinator {
	cfg.SetDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sess == nil {
		sess = session.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		fast:      fast,
		tracker:   tracker,
		slow:      slow,
		session:   sess,
		lock:      savelock.New(),
		logger:    logger.Named("coordinator"),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(bool)),
	}
	c.timer = debounce.New(c.runPending)
	return c
}

// Save schedules snapshot and files for persistence. Calls made before the
// debounce delay elapses replace the pending input; only the most recent
// onPersisted is invoked. While paused, Save does nothing. onPersisted runs
// inside the cycle and must not call Flush or SwitchBoard.
func (c *Coordinator) Save(snapshot *scene.Snapshot, files map[scene.AssetID]scene.Asset, onPersisted func()) error {
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := scene.ValidateAssets(files); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	if c.IsPaused() {
		c.logger.Trace("save skipped while paused", "board_id", snapshot.BoardID)
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending = &cycle{
		id:          uuid.NewString(),
		snapshot:    snapshot,
		files:       files,
		onPersisted: onPersisted,
		requestedAt: time.Now(),
	}
	c.timer.Arm(c.cfg.Debounce)
	c.mu.Unlock()

	return nil
}

// Flush runs the pending cycle now, waits for it and then waits for the most
// recent slow tier write for at most the flush timeout. A slow tier write
// still running after that is left to finish on its own. The only error is
// ctx's.
func (c *Coordinator) Flush(ctx context.Context) error {
	if !c.timer.FireNow() {
		// The timer may have fired already with its cycle waiting on cycleMu
		c.runPending()
	}

	c.mu.Lock()
	background := c.lastBackground
	c.mu.Unlock()
	if background == nil {
		return nil
	}

	timeout := time.NewTimer(c.cfg.FlushTimeout)
	defer timeout.Stop()

	select {
	case <-background:
	case <-timeout.C:
		c.logger.Debug("flush timed out waiting for slow tier", "timeout", c.cfg.FlushTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Pause stops new saves until every paused reason is resumed.
func (c *Coordinator) Pause(reason savelock.Reason) {
	c.lock.Acquire(reason)
}

// Resume releases reason.
func (c *Coordinator) Resume(reason savelock.Reason) {
	c.lock.Release(reason)
}

// IsPaused reports whether Save is currently a no-op: some reason is held or
// the board is not visible.
func (c *Coordinator) IsPaused() bool {
	return c.lock.IsLocked() || c.session.Hidden()
}

// QuotaExceeded reports whether the last fast tier write ran out of space.
func (c *Coordinator) QuotaExceeded() bool {
	return c.quotaExceeded.Load()
}

// OnQuotaChange registers fn to be called whenever the quota flag changes.
// The returned function unregisters it.
func (c *Coordinator) OnQuotaChange(fn func(exceeded bool)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// ShouldBlockUnload reports whether any of ids is being saved right now.
func (c *Coordinator) ShouldBlockUnload(ids []scene.AssetID) bool {
	return c.tracker.ShouldBlockUnload(ids)
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	if c.running.Load() {
		return StateRunning
	}
	if c.timer.Pending() {
		return StatePending
	}
	return StateIdle
}

// SwitchBoard persists the current board, forgets its asset state and selects
// boardID.
func (c *Coordinator) SwitchBoard(ctx context.Context, boardID string) error {
	c.Pause(savelock.ReasonBoardSwitch)
	defer c.Resume(savelock.ReasonBoardSwitch)

	if err := c.Flush(ctx); err != nil {
		return err
	}
	c.tracker.Reset()
	c.session.SelectBoard(boardID)

	c.logger.Info("switched board", "board_id", boardID)
	return nil
}

// Close drops any pending cycle, waits for a running cycle to end, cancels
// in-flight slow tier writes and waits for them to return. It must not be
// called from onPersisted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	c.timer.Cancel()
	c.cancel()

	// wait out a running cycle
	c.cycleMu.Lock()
	c.cycleMu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) runPending() {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	cy := c.pending
	c.pending = nil
	c.mu.Unlock()
	if cy == nil {
		return
	}

	c.running.Store(true)
	defer c.running.Store(false)
	c.run(cy)
}

func (c *Coordinator) run(cy *cycle) {
	boardID := cy.snapshot.BoardID
	logger := c.logger.With("cycle_id", cy.id, "board_id", boardID)
	logger.Trace("running save cycle", "delay", time.Since(cy.requestedAt))

	// 1. fast tier
	c.writeFastTier(cy, logger)

	// 2. assets
	referenced := scene.ReferencedAssets(cy.snapshot.Elements, cy.files)
	if len(referenced) > 0 {
		res := c.tracker.SaveAssets(c.ctx, referenced)
		if len(res.Saved) > 0 {
			if _, err := c.fast.BumpVersion(boardID, fasttier.KindFiles); err != nil {
				logger.Warn("error bumping files version", "error", err)
			}
		}
		if len(res.Errored) > 0 {
			logger.Warn("some assets were not saved",
				"saved", len(res.Saved),
				"errored", len(res.Errored))
		}
	}

	// 3. caller
	if cy.onPersisted != nil {
		cy.onPersisted()
	}

	// 4. slow tier, detached
	if c.slow == nil || c.lock.IsLocked() || !c.slow.IsActive() {
		return
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logger.Debug("skipping slow tier write after close")
		return
	}
	c.lastBackground = done
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(done)
		c.syncSlowTier(cy, logger)
	}()
}

func (c *Coordinator) writeFastTier(cy *cycle, logger hclog.Logger) {
	payload, err := json.Marshal(cy.snapshot.ForStorage())
	if err != nil {
		logger.Error("error encoding snapshot", "error", err)
		return
	}

	key := fasttier.Key(cy.snapshot.BoardID, SceneKey)
	err = c.fast.Write(key, payload)
	switch {
	case err == nil:
		c.setQuotaExceeded(false)
		if _, err := c.fast.BumpVersion(cy.snapshot.BoardID, fasttier.KindDataState); err != nil {
			logger.Warn("error bumping data state version", "error", err)
		}
		logger.Debug("saved snapshot to fast tier", "bytes", len(payload))
	case errors.Is(err, fasttier.ErrQuotaExceeded):
		c.setQuotaExceeded(true)
		logger.Warn("fast tier quota exceeded", "bytes", len(payload), "error", err)
	default:
		logger.Error("error saving snapshot to fast tier", "error", err)
	}
}

// syncSlowTier writes the cycle to the slow tier, retrying with exponential
// backoff. The final failure is logged and dropped.
func (c *Coordinator) syncSlowTier(cy *cycle, logger hclog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in slow tier write", "panic", r)
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.InitialInterval
	b.MaxElapsedTime = c.cfg.Retry.MaxElapsedTime
	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(c.cfg.Retry.MaxAttempts-1)),
		c.ctx,
	)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return c.slow.Save(c.ctx, cy.snapshot, cy.files)
	}, policy, func(err error, wait time.Duration) {
		logger.Debug("retrying slow tier write", "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		logger.Error("error saving to slow tier", "attempts", attempt, "error", err)
		return
	}
	logger.Debug("saved to slow tier", "attempts", attempt)
}

func (c *Coordinator) setQuotaExceeded(exceeded bool) {
	if c.quotaExceeded.Swap(exceeded) == exceeded {
		return
	}

	c.listenersMu.Lock()
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(exceeded)
	}
}
