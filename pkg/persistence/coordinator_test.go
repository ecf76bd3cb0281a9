package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/boardsync/pkg/assets"
	"github.com/hashicorp-forge/boardsync/pkg/savelock"
	"github.com/hashicorp-forge/boardsync/pkg/scene"
	"github.com/hashicorp-forge/boardsync/pkg/session"
	"github.com/hashicorp-forge/boardsync/pkg/storage/fasttier"
)

// Long enough that the timer never fires on its own during a test.
const neverFires = time.Hour

type fakeSaver struct {
	mu    sync.Mutex
	calls []map[scene.AssetID]scene.Asset
}

func (f *fakeSaver) SaveFiles(ctx context.Context, added map[scene.AssetID]scene.Asset) (assets.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, added)
	res := assets.NewSaveResult()
	for id, a := range added {
		res.Saved[id] = a
	}
	return res, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFetcher struct{}

func (fakeFetcher) GetFiles(ctx context.Context, ids []scene.AssetID) (assets.FetchResult, error) {
	res := assets.NewFetchResult()
	for _, id := range ids {
		res.Errored[id] = struct{}{}
	}
	return res, nil
}

// fakeSlowTier records saves. save, when set, decides the outcome of each
// attempt.
type fakeSlowTier struct {
	mu     sync.Mutex
	active bool
	calls  int
	saved  []*scene.Snapshot
	save   func(ctx context.Context, attempt int) error
}

func (f *fakeSlowTier) Save(ctx context.Context, snapshot *scene.Snapshot, files map[scene.AssetID]scene.Asset) error {
	f.mu.Lock()
	f.calls++
	attempt := f.calls
	save := f.save
	f.mu.Unlock()

	if save != nil {
		if err := save(ctx, attempt); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.saved = append(f.saved, snapshot)
	f.mu.Unlock()
	return nil
}

func (f *fakeSlowTier) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSlowTier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSlowTier) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type testEnv struct {
	coord   *Coordinator
	store   *fasttier.Store
	saver   *fakeSaver
	tracker *assets.Tracker
	slow    *fakeSlowTier
	session *session.Session
}

func setupTestCoordinator(t *testing.T, cfg Config, capacity int64) *testEnv {
	t.Helper()

	store, err := fasttier.New(afero.NewMemMapFs(), "/local", capacity, nil)
	require.NoError(t, err)

	saver := &fakeSaver{}
	tracker := assets.NewTracker(fakeFetcher{}, saver, nil)
	slow := &fakeSlowTier{}
	sess := session.New()
	sess.SelectBoard("board-1")

	coord := NewCoordinator(cfg, store, tracker, slow, sess, nil)
	t.Cleanup(coord.Close)

	return &testEnv{
		coord:   coord,
		store:   store,
		saver:   saver,
		tracker: tracker,
		slow:    slow,
		session: sess,
	}
}

func snapshotWith(names ...string) *scene.Snapshot {
	s := &scene.Snapshot{BoardID: "board-1", AppState: scene.AppState{Name: "state1"}}
	for _, n := range names {
		s.Elements = append(s.Elements, scene.Element{ID: n, Type: "rectangle", Version: 1})
	}
	return s
}

func readStored(t *testing.T, store *fasttier.Store) *scene.Snapshot {
	t.Helper()
	raw, err := store.Read(fasttier.Key("board-1", SceneKey))
	require.NoError(t, err)
	var s scene.Snapshot
	require.NoError(t, json.Unmarshal(raw, &s))
	return &s
}

func elementIDs(s *scene.Snapshot) []string {
	var ids []string
	for _, el := range s.Elements {
		ids = append(ids, el.ID)
	}
	return ids
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestSave_WritesFastTier(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	var cb counter

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, cb.inc))
	assert.Equal(t, StatePending, env.coord.State())

	require.NoError(t, env.coord.Flush(context.Background()))

	stored := readStored(t, env.store)
	assert.Equal(t, []string{"A"}, elementIDs(stored))
	assert.Equal(t, "state1", stored.AppState.Name)
	assert.Equal(t, 1, cb.get())
	assert.Zero(t, env.slow.callCount(), "inactive slow tier is not called")
	assert.Equal(t, StateIdle, env.coord.State())

	v, err := env.store.Version("board-1", fasttier.KindDataState)
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestSave_DebounceCollapses(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	var cb1, cb2 counter

	require.NoError(t, env.coord.Save(snapshotWith("c1"), nil, cb1.inc))
	require.NoError(t, env.coord.Save(snapshotWith("c2"), nil, cb2.inc))
	require.NoError(t, env.coord.Flush(context.Background()))

	assert.Equal(t, []string{"c2"}, elementIDs(readStored(t, env.store)))
	assert.Zero(t, cb1.get())
	assert.Equal(t, 1, cb2.get())
}

func TestSave_TimerFires(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: 20 * time.Millisecond}, 0)
	var cb counter

	require.NoError(t, env.coord.Save(snapshotWith("c1"), nil, cb.inc))
	require.NoError(t, env.coord.Save(snapshotWith("c2"), nil, cb.inc))

	require.Eventually(t, func() bool { return cb.get() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c2"}, elementIDs(readStored(t, env.store)))

	// Flushing afterwards does not run another cycle
	require.NoError(t, env.coord.Flush(context.Background()))
	assert.Equal(t, 1, cb.get())
}

func TestSave_InvalidInput(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)

	err := env.coord.Save(nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.ErrorIs(t, err, scene.ErrInvalidScene)

	bad := &scene.Snapshot{Elements: []scene.Element{{ID: ""}}}
	assert.ErrorIs(t, env.coord.Save(bad, nil, nil), ErrInvalidSnapshot)

	files := map[scene.AssetID]scene.Asset{"x": {ID: "y"}}
	assert.ErrorIs(t, env.coord.Save(snapshotWith("A"), files, nil), ErrInvalidSnapshot)

	assert.Equal(t, StateIdle, env.coord.State())
}

func TestSave_PauseAndResume(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	env.slow.active = true
	ctx := context.Background()

	env.coord.Pause(savelock.ReasonCollaboration)
	assert.True(t, env.coord.IsPaused())

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	assert.Equal(t, StateIdle, env.coord.State(), "paused save must not arm the timer")
	require.NoError(t, env.coord.Flush(ctx))

	_, err := env.store.Read(fasttier.Key("board-1", SceneKey))
	assert.ErrorIs(t, err, fasttier.ErrNotFound)
	assert.Zero(t, env.slow.callCount())

	env.coord.Resume(savelock.ReasonCollaboration)
	assert.False(t, env.coord.IsPaused())

	require.NoError(t, env.coord.Save(snapshotWith("B"), nil, nil))
	require.NoError(t, env.coord.Flush(ctx))
	assert.Equal(t, []string{"B"}, elementIDs(readStored(t, env.store)))
	assert.Equal(t, 1, env.slow.savedCount())
}

func TestSave_PausedWhileHidden(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)

	env.session.SetHidden(true)
	assert.True(t, env.coord.IsPaused())
	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	assert.Equal(t, StateIdle, env.coord.State())

	env.session.SetHidden(false)
	assert.False(t, env.coord.IsPaused())
}

func TestSave_PauseDoesNotStopPendingCycle(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	env.slow.active = true

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	env.coord.Pause(savelock.ReasonImport)
	require.NoError(t, env.coord.Flush(context.Background()))

	assert.Equal(t, []string{"A"}, elementIDs(readStored(t, env.store)))
	assert.Zero(t, env.slow.callCount(), "locked coordinator skips the slow tier")
}

func TestSave_QuotaLifecycle(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 2048)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []bool
	)
	unsubscribe := env.coord.OnQuotaChange(func(exceeded bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, exceeded)
	})
	defer unsubscribe()

	require.NoError(t, env.coord.Save(snapshotWith("small"), nil, nil))
	require.NoError(t, env.coord.Flush(ctx))
	assert.False(t, env.coord.QuotaExceeded())

	big := snapshotWith("big")
	big.Elements[0].Data = json.RawMessage(`"` + strings.Repeat("x", 4096) + `"`)
	require.NoError(t, env.coord.Save(big, nil, nil))
	require.NoError(t, env.coord.Flush(ctx))
	assert.True(t, env.coord.QuotaExceeded())
	assert.Equal(t, []string{"small"}, elementIDs(readStored(t, env.store)), "previous state stays intact")

	require.NoError(t, env.coord.Save(snapshotWith("again"), nil, nil))
	require.NoError(t, env.coord.Flush(ctx))
	assert.False(t, env.coord.QuotaExceeded())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
}

func TestSave_SavesReferencedAssets(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	ctx := context.Background()

	snapshot := snapshotWith("A")
	snapshot.Elements = append(snapshot.Elements, scene.Element{
		ID: "img", Type: scene.ElementTypeImage, Version: 1, FileID: "f1", Status: scene.ImageStatusPending,
	})
	files := map[scene.AssetID]scene.Asset{
		"f1":    {ID: "f1", MimeType: "image/png", Content: []byte("png"), Version: 1},
		"other": {ID: "other", MimeType: "image/png", Content: []byte("x"), Version: 1},
	}

	var marked []scene.Element
	require.NoError(t, env.coord.Save(snapshot, files, func() {
		marked, _ = scene.MarkSavedImages(snapshot.Elements, env.tracker.IsSaved)
	}))
	require.NoError(t, env.coord.Flush(ctx))

	require.Equal(t, 1, env.saver.callCount())
	assert.Contains(t, env.saver.calls[0], scene.AssetID("f1"))
	assert.NotContains(t, env.saver.calls[0], scene.AssetID("other"))
	assert.True(t, env.tracker.IsSaved("f1"))
	require.Len(t, marked, 2)
	assert.Equal(t, scene.ImageStatusSaved, marked[1].Status)

	v, err := env.store.Version("board-1", fasttier.KindFiles)
	require.NoError(t, err)
	assert.Positive(t, v)

	// Unchanged asset is not saved again
	require.NoError(t, env.coord.Save(snapshot, files, nil))
	require.NoError(t, env.coord.Flush(ctx))
	assert.Equal(t, 1, env.saver.callCount())
}

func TestSave_OnPersistedAfterFastTierWrite(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)

	var seen []string
	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, func() {
		seen = elementIDs(readStored(t, env.store))
	}))
	require.NoError(t, env.coord.Flush(context.Background()))
	assert.Equal(t, []string{"A"}, seen)
}

func TestFlush_WaitsForSlowTier(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires, FlushTimeout: 5 * time.Second}, 0)
	env.slow.active = true
	env.slow.save = func(ctx context.Context, attempt int) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	require.NoError(t, env.coord.Flush(context.Background()))
	assert.Equal(t, 1, env.slow.savedCount())
}

func TestFlush_BoundedWhenSlowTierHangs(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires, FlushTimeout: 50 * time.Millisecond}, 0)
	env.slow.active = true
	release := make(chan struct{})
	defer close(release)
	env.slow.save = func(ctx context.Context, attempt int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return errors.New("never resolved")
	}

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))

	start := time.Now()
	require.NoError(t, env.coord.Flush(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"A"}, elementIDs(readStored(t, env.store)))
}

func TestFlush_ContextCancelled(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires, FlushTimeout: time.Minute}, 0)
	env.slow.active = true
	release := make(chan struct{})
	defer close(release)
	env.slow.save = func(ctx context.Context, attempt int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.coord.Flush(ctx), context.DeadlineExceeded)
}

func TestFlush_NothingPending(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	assert.NoError(t, env.coord.Flush(context.Background()))
}

func TestSlowTierFailureKeepsFastTier(t *testing.T) {
	env := setupTestCoordinator(t, Config{
		Debounce: neverFires,
		Retry:    RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond},
	}, 0)
	env.slow.active = true
	env.slow.save = func(ctx context.Context, attempt int) error {
		return errors.New("unreachable")
	}
	var cb counter

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, cb.inc))
	require.NoError(t, env.coord.Flush(context.Background()))

	require.Eventually(t, func() bool { return env.slow.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, elementIDs(readStored(t, env.store)))
	assert.Equal(t, 1, cb.get())
	assert.Zero(t, env.slow.savedCount())
}

func TestSlowTierRetrySucceeds(t *testing.T) {
	env := setupTestCoordinator(t, Config{
		Debounce: neverFires,
		Retry:    RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond},
	}, 0)
	env.slow.active = true
	env.slow.save = func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return errors.New("transient")
		}
		return nil
	}

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	require.NoError(t, env.coord.Flush(context.Background()))

	require.Eventually(t, func() bool { return env.slow.savedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, env.slow.callCount())
}

func TestSlowTierPanicIsContained(t *testing.T) {
	env := setupTestCoordinator(t, Config{
		Debounce: neverFires,
		Retry:    RetryConfig{MaxAttempts: 1},
	}, 0)
	env.slow.active = true
	env.slow.save = func(ctx context.Context, attempt int) error {
		panic("boom")
	}

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	require.NoError(t, env.coord.Flush(context.Background()))
	assert.Equal(t, 1, env.slow.callCount())
}

func TestSwitchBoard(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	ctx := context.Background()

	snapshot := snapshotWith("A")
	snapshot.Elements = append(snapshot.Elements, scene.Element{
		ID: "img", Type: scene.ElementTypeImage, Version: 1, FileID: "f1",
	})
	files := map[scene.AssetID]scene.Asset{"f1": {ID: "f1", Content: []byte("png"), Version: 1}}
	require.NoError(t, env.coord.Save(snapshot, files, nil))

	require.NoError(t, env.coord.SwitchBoard(ctx, "board-2"))

	assert.Equal(t, []string{"A", "img"}, elementIDs(readStored(t, env.store)))
	assert.False(t, env.tracker.IsTracked("f1"), "tracker is reset")
	assert.Equal(t, "board-2", env.session.BoardID())
	assert.False(t, env.coord.IsPaused())
}

func TestShouldBlockUnload(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	assert.False(t, env.coord.ShouldBlockUnload([]scene.AssetID{"f1"}))
}

func TestClose_DropsPending(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)

	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, nil))
	env.coord.Close()

	assert.Equal(t, StateIdle, env.coord.State())
	assert.ErrorIs(t, env.coord.Save(snapshotWith("B"), nil, nil), ErrClosed)
}

func TestClose_WaitsForRunningCycle(t *testing.T) {
	env := setupTestCoordinator(t, Config{Debounce: neverFires}, 0)
	env.slow.active = true

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, env.coord.Save(snapshotWith("A"), nil, func() {
		close(entered)
		<-release
	}))

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		_ = env.coord.Flush(context.Background())
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		env.coord.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	<-flushed

	assert.Equal(t, 0, env.slow.callCount(), "no slow tier write starts after close")
	assert.Equal(t, StateIdle, env.coord.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "running", StateRunning.String())
}
