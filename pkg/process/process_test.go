package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/pkg/planner"
	"swap-router/pkg/types"
	"swap-router/pkg/venue"
)

const (
	dotRelay = types.AssetRef("polkadot-NATIVE-DOT")
	dotHydra = types.AssetRef("hydradx_main-TOKEN-DOT-5")
	usdHydra = types.AssetRef("hydradx_main-TOKEN-USDT-10")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHandler struct {
	venue types.Venue

	mu       sync.Mutex
	builds   int
	buildErr []error
	invalid  []error
}

func (h *fakeHandler) Venue() types.Venue                       { return h.venue }
func (h *fakeHandler) Shapes() []types.Shape                    { return types.AllShapes }
func (h *fakeHandler) Covers(types.ActionKind, types.Pair) bool { return true }
func (h *fakeHandler) Quote(context.Context, venue.QuoteParams) (*types.Quote, error) {
	return nil, errors.New("not used")
}
func (h *fakeHandler) QuoteStep(context.Context, venue.StepParams) (*venue.StepQuote, error) {
	return nil, nil
}

func (h *fakeHandler) BuildSubmission(_ context.Context, p venue.SubmitParams) (*types.Artifact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.builds++
	if len(h.buildErr) > 0 {
		err := h.buildErr[0]
		h.buildErr = h.buildErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.Artifact{
		Chain: "hydradx_main",
		Kind:  types.ArtifactSubstrate,
		From:  p.Address,
		Calls: []types.Call{{Pallet: "router", Method: string(p.Step.Action), Args: map[string]any{"attempt": p.Attempt}}},
	}, nil
}

func (h *fakeHandler) Validate(context.Context, venue.ValidateParams) []error {
	return h.invalid
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
	release chan struct{}
	// hang blocks until the caller gives up
	hang bool
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, a *types.Artifact) (*types.TxResult, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()

	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	if b.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	return &types.TxResult{Chain: a.Chain, TransactionHash: fmt.Sprintf("0x%02d", n)}, nil
}

func (b *fakeBroadcaster) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeTracker struct {
	mu    sync.Mutex
	state ConfirmationState
	err   error
	seen  []TrackRequest
}

func (t *fakeTracker) Track(_ context.Context, req TrackRequest) (*Confirmation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = append(t.seen, req)
	if t.err != nil {
		return nil, t.err
	}
	return &Confirmation{State: t.state, TransactionID: req.TransactionID, TransactionHash: req.TransactionHash}, nil
}

func (t *fakeTracker) set(state ConfirmationState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.err = err
}

type fixture struct {
	clock       *testClock
	manager     *Manager
	engine      *Engine
	xcm         *fakeHandler
	amm         *fakeHandler
	broadcaster *fakeBroadcaster
	tracker     *fakeTracker
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	if store == nil {
		var err error
		store, err = NewFileStore(filepath.Join(t.TempDir(), DefaultStorageFileName))
		require.NoError(t, err)
	}
	f := &fixture{
		clock:       &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		xcm:         &fakeHandler{venue: types.VenueXCM},
		amm:         &fakeHandler{venue: types.VenueAMM},
		broadcaster: &fakeBroadcaster{},
		tracker:     &fakeTracker{state: ConfirmationConfirmed},
	}
	f.manager = NewManager(store, zerolog.Nop())
	f.manager.now = f.clock.Now
	f.engine = NewEngine(f.manager, &venue.Set{XCM: f.xcm, AMM: f.amm}, f.broadcaster, f.tracker, NewMetrics(nil), Config{
		ConfirmationTimeout: 10 * time.Minute,
		PollInterval:        time.Second,
		VenueTimeout:        time.Second,
	}, zerolog.Nop())
	f.engine.now = f.clock.Now
	f.engine.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

// bridgePlan is BRIDGE(DOT relay -> hydra) then SWAP(DOT -> USDT) on hydra
func (f *fixture) bridgePlan() *planner.Plan {
	bridge := types.ActionStep{Action: types.ActionBridge, Pair: types.Pair{From: dotRelay, To: dotHydra}}
	swap := types.ActionStep{Action: types.ActionSwap, Pair: types.Pair{From: dotHydra, To: usdHydra}}
	fee := types.NativeFee(dotRelay, types.FeeComponent{Kind: types.FeeNetwork, Amount: decimal.RequireFromString("0.02"), TokenRef: dotRelay})
	swapFee := types.NativeFee(dotHydra, types.FeeComponent{Kind: types.FeePlatform, Amount: decimal.RequireFromString("0.3"), TokenRef: dotHydra})
	quote := &types.Quote{
		Pair:       swap.Pair,
		FromAmount: decimal.NewFromInt(100),
		ToAmount:   decimal.NewFromInt(450),
		Venue:      types.VenueAMM,
		AliveUntil: f.clock.Now().Add(5 * time.Minute),
	}
	return &planner.Plan{
		Request: types.SwapRequest{From: dotRelay, To: usdHydra, Amount: decimal.NewFromInt(100), Address: "alice", Recipient: "bob"},
		Shape:   types.ShapeBridgeSwap,
		Path:    types.Path{bridge, swap},
		Quote:   quote,
		Steps: []planner.Step{
			{
				Detail:    types.StepDetail{ID: 0, Type: types.ActionBridge, Venue: types.VenueXCM, Pair: bridge.Pair, Metadata: map[string]string{"from_address": "alice", "recipient": "alice-hydra"}},
				Fee:       fee,
				AmountIn:  decimal.NewFromInt(100),
				AmountOut: decimal.NewFromInt(100),
			},
			{
				Detail:    types.StepDetail{ID: 1, Type: types.ActionSwap, Venue: types.VenueAMM, Pair: swap.Pair, Metadata: map[string]string{"from_address": "alice-hydra", "recipient": "bob"}},
				Fee:       swapFee,
				AmountIn:  decimal.NewFromInt(100),
				AmountOut: decimal.NewFromInt(450),
			},
		},
		TotalFee: []types.StepFeeInfo{fee, swapFee},
	}
}

func (f *fixture) create(t *testing.T) *ProcessRecord {
	t.Helper()
	r, err := f.manager.CreateProcess(context.Background(), f.bridgePlan())
	require.NoError(t, err)
	return r
}

func (f *fixture) advanceTo(t *testing.T, id string, stepID int, status StepStatus) *ProcessRecord {
	t.Helper()
	for i := 0; i < 20; i++ {
		r, err := f.engine.Advance(context.Background(), id)
		require.NoError(t, err)
		if r.CurrentStepID == stepID && r.Steps[stepID].Status == status {
			return r
		}
		require.False(t, r.Terminal(), "process ended as %s: %s", r.Status(), r.Reason())
	}
	t.Fatalf("step %d never reached %s", stepID, status)
	return nil
}

func TestStores(t *testing.T) {
	open := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "p.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "p.db"))
			require.NoError(t, err)
			return s
		},
	}
	for name, openStore := range open {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t)
			defer store.Close()

			f := newFixture(t, store)
			a := f.create(t)
			f.clock.Advance(time.Second)
			b := f.create(t)

			got, err := store.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, a.ID, got.ID)
			assert.Len(t, got.Steps, 2)
			assert.True(t, got.Steps[1].AmountOut.Equal(decimal.NewFromInt(450)))

			// copies are returned
			got.Steps[0].Status = StatusComplete
			again, err := store.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, again.Steps[0].Status)

			_, err = f.manager.Cancel(ctx, b.ID)
			require.NoError(t, err)

			all, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, a.ID, all[0].ID)

			pending, err := store.ListNonTerminal(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, a.ID, pending[0].ID)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, types.ErrNotFound)
			assert.ErrorIs(t, store.Update(ctx, &ProcessRecord{ID: "missing"}), types.ErrNotFound)
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultStorageFileName)
	store, err := NewFileStore(path)
	require.NoError(t, err)
	f := newFixture(t, store)
	r := f.create(t)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShapeBridgeSwap, got.Shape)
	assert.Equal(t, "bob", got.Recipient)
	assert.Equal(t, path, reopened.FilePath())
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore("", dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = OpenStore("sqlite", dir)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = OpenStore("postgres", dir)
	assert.Error(t, err)
}

func TestCreateProcess(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, 0, r.CurrentStepID)
	assert.Equal(t, StatusQueued, r.Status())
	for _, s := range r.Steps {
		assert.Equal(t, StatusQueued, s.Status)
		assert.Empty(t, s.TransactionHash)
	}
	assert.Equal(t, "0/2", r.ToSummary().Progress)

	_, err := f.manager.CreateProcess(context.Background(), &planner.Plan{})
	assert.Error(t, err)
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.create(t)

	_, err := f.manager.Transition(ctx, r.ID, 0, Change{To: StatusProcessing})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.manager.Transition(ctx, r.ID, 1, Change{To: StatusPrepare})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "only the current step may move")

	r, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusPrepare})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Steps[0].Attempt)

	_, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusSubmitting})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "artifact required")

	artifact := &types.Artifact{Chain: "polkadot", Kind: types.ArtifactSubstrate, Calls: []types.Call{{Pallet: "xcmPallet"}}}
	r, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusSubmitting, Artifact: artifact})
	require.NoError(t, err)
	assert.Empty(t, r.Steps[0].TransactionHash)

	_, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusProcessing, Result: &types.TxResult{}})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "transaction id required")

	r, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusProcessing, Result: &types.TxResult{TransactionHash: "0xabc"}})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", r.Steps[0].TransactionHash)
	assert.Equal(t, types.ChainSlug("polkadot"), r.Steps[0].Chain)

	r, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusComplete})
	require.NoError(t, err)
	assert.Equal(t, 1, r.CurrentStepID)

	r, err = f.manager.Transition(ctx, r.ID, 1, Change{To: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.NotEmpty(t, r.Reason(), "terminal steps always carry a reason")
	assert.Equal(t, 1, r.CurrentStepID)
	assert.Equal(t, 1, r.Completed())

	_, err = f.manager.Transition(ctx, r.ID, 1, Change{To: StatusPrepare})
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "terminal records are immutable")
}

func TestCanTransition(t *testing.T) {
	for _, s := range AllStatuses {
		if s.Terminal() {
			for _, to := range AllStatuses {
				assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
			}
			continue
		}
		assert.True(t, CanTransition(s, StatusFailed), "%s -> FAILED", s)
		assert.True(t, CanTransition(s, StatusTimeout), "%s -> TIMEOUT", s)
	}
	assert.False(t, CanTransition(StatusSubmitting, StatusCancelled))
	assert.False(t, CanTransition(StatusProcessing, StatusCancelled))
	assert.False(t, CanTransition(StatusQueued, StatusSubmitting))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	queued := f.create(t)
	r, err := f.engine.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status())
	assert.Equal(t, types.ErrUserCancelled.Error(), r.Reason())

	prepared := f.create(t)
	f.advanceTo(t, prepared.ID, 0, StatusPrepare)
	_, err = f.engine.Cancel(ctx, prepared.ID)
	require.NoError(t, err)

	f.tracker.set(ConfirmationPending, nil)
	submitted := f.create(t)
	f.advanceTo(t, submitted.ID, 0, StatusProcessing)
	_, err = f.engine.Cancel(ctx, submitted.ID)
	require.ErrorIs(t, err, types.ErrCannotCancel)
	assert.Contains(t, err.Error(), "cannot cancel, already submitted")

	got, err := f.manager.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status())

	_, err = f.engine.Cancel(ctx, queued.ID)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	// cancelled processes are never advanced again
	r, err = f.engine.Advance(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status())
}

func TestRunBridgeThenSwap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.create(t)

	events, unsubscribe := f.engine.Subscribe(r.ID)
	defer unsubscribe()

	r, err := f.engine.Run(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, r.Status())
	assert.Equal(t, 2, r.CurrentStepID)
	assert.Nil(t, r.CurrentStep())
	assert.Equal(t, "0x01", r.Steps[0].TransactionHash)
	assert.Equal(t, "0x02", r.Steps[1].TransactionHash)
	assert.Equal(t, 2, f.broadcaster.Calls())
	assert.Equal(t, "alice-hydra", r.Steps[1].Artifact.From)

	var got []string
	for len(got) < 8 {
		select {
		case ev := <-events:
			got = append(got, fmt.Sprintf("%d:%s", ev.StepID, ev.To))
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, []string{
		"0:PREPARE", "0:SUBMITTING", "0:PROCESSING", "0:COMPLETE",
		"1:PREPARE", "1:SUBMITTING", "1:PROCESSING", "1:COMPLETE",
	}, got)
}

func TestQuoteExpiredBeforePrepare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.create(t)

	f.clock.Advance(6 * time.Minute)
	r, err := f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Steps[0].Status)
	assert.Contains(t, r.Reason(), types.ErrQuoteExpired.Error())
	assert.Equal(t, StatusQueued, r.Steps[1].Status)
	assert.Zero(t, f.broadcaster.Calls())
}

func TestPartialCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	r := f.create(t)

	f.advanceTo(t, r.ID, 1, StatusQueued)
	f.clock.Advance(6 * time.Minute)

	r, err := f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, r.Steps[0].Status)
	assert.Equal(t, StatusFailed, r.Steps[1].Status)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Equal(t, 1, r.CurrentStepID)
	assert.Equal(t, "1/2", r.ToSummary().Progress)
	assert.Equal(t, 1, f.broadcaster.Calls())
}

func TestConfirmationTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tracker.set(ConfirmationPending, nil)
	r := f.create(t)

	f.advanceTo(t, r.ID, 0, StatusProcessing)

	f.clock.Advance(9 * time.Minute)
	r, err := f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, r.Steps[0].Status)

	// tracker errors do not stop the clock
	f.tracker.set("", errors.New("rpc down"))
	f.clock.Advance(2 * time.Minute)
	r, err = f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, r.Status())
	assert.Contains(t, r.Reason(), types.ErrConfirmationTimeout.Error())

	// it may still land later; reconciling reports without touching the record
	f.tracker.set(ConfirmationConfirmed, nil)
	rec, err := f.engine.Reconcile(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ConfirmationConfirmed, rec.Confirmation.State)
	assert.Equal(t, "0x01", rec.Confirmation.TransactionHash)

	got, err := f.manager.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status())
}

func TestFailedConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.set(ConfirmationFailed, nil)
	r := f.create(t)

	r, err := f.engine.Run(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), types.ErrSubmissionFailed.Error())
}

func TestBroadcastFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.broadcaster.err = errors.New("nonce too low")
	r := f.create(t)

	r, err := f.engine.Run(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), "nonce too low")
	assert.NotNil(t, r.Steps[0].Artifact)
	assert.Empty(t, r.Steps[0].TransactionHash)
}

func TestValidationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.xcm.invalid = []error{types.NewValidationError("amount 0.5 is below the minimum 1 DOT")}
	r := f.create(t)

	r, err := f.engine.Run(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), "below the minimum")
	assert.Zero(t, f.broadcaster.Calls())
}

func TestRetryableBuildStaysInPrepare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.xcm.buildErr = []error{types.Retryable(errors.New("503 service unavailable"))}
	r := f.create(t)

	f.advanceTo(t, r.ID, 0, StatusPrepare)
	r, err := f.engine.Advance(ctx, r.ID)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, StatusPrepare, r.Steps[0].Status)

	r, err = f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, r.Steps[0].Status)
	assert.Equal(t, 1, r.Steps[0].Attempt)
	assert.Equal(t, 1, f.broadcaster.Calls())
}

func TestQuoteExpiresWhileRetryingBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.xcm.buildErr = []error{types.Retryable(errors.New("503 service unavailable"))}
	r := f.create(t)

	f.advanceTo(t, r.ID, 0, StatusPrepare)
	_, err := f.engine.Advance(ctx, r.ID)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	f.clock.Advance(6 * time.Minute)
	r, err = f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Steps[0].Status)
	assert.Contains(t, r.Reason(), types.ErrQuoteExpired.Error())
	assert.Equal(t, 1, f.xcm.builds)
	assert.Zero(t, f.broadcaster.Calls())
}

func TestBroadcastTimeoutStaysSubmitting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.engine.cfg.SubmitTimeout = 20 * time.Millisecond
	f.broadcaster.hang = true
	r := f.create(t)

	f.advanceTo(t, r.ID, 0, StatusPrepare)
	r, err := f.engine.Advance(ctx, r.ID)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusSubmitting, r.Steps[0].Status)
	assert.Equal(t, 1, f.broadcaster.Calls())

	got, err := f.manager.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitting, got.Steps[0].Status)
	assert.NotNil(t, got.Steps[0].Artifact)

	// the next pass asks the chain and never sends again
	f.tracker.set("", types.ErrNothingToTrack)
	r, err = f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), "submission outcome unknown")
	assert.Equal(t, 1, f.broadcaster.Calls())
}

func TestConfigurationErrorFails(t *testing.T) {
	f := newFixture(t, nil)
	f.xcm.buildErr = []error{fmt.Errorf("%w: moonbeam has no parent", types.ErrEncodingConfiguration)}
	r := f.create(t)

	r, err := f.engine.Run(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), "moonbeam has no parent")
}

func TestRecoverNeverResubmits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	artifact := &types.Artifact{Chain: "polkadot", Kind: types.ArtifactSubstrate, Calls: []types.Call{{Pallet: "xcmPallet"}}}

	prepared := f.create(t)
	_, err := f.manager.Transition(ctx, prepared.ID, 0, Change{To: StatusPrepare})
	require.NoError(t, err)

	orphaned := f.create(t)
	_, err = f.manager.Transition(ctx, orphaned.ID, 0, Change{To: StatusPrepare})
	require.NoError(t, err)
	_, err = f.manager.Transition(ctx, orphaned.ID, 0, Change{To: StatusSubmitting, Artifact: artifact})
	require.NoError(t, err)

	f.tracker.set(ConfirmationPending, nil)
	processing := f.create(t)
	f.advanceTo(t, processing.ID, 0, StatusProcessing)
	calls := f.broadcaster.Calls()

	ids, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{prepared.ID, orphaned.ID, processing.ID}, ids)

	r, err := f.manager.Get(ctx, prepared.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, r.Steps[0].Status)

	// prepared again under a new attempt
	r = f.advanceTo(t, prepared.ID, 0, StatusPrepare)
	assert.Equal(t, 2, r.Steps[0].Attempt)

	f.tracker.set("", types.ErrNothingToTrack)
	r, err = f.engine.Advance(ctx, orphaned.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status())
	assert.Contains(t, r.Reason(), "submission outcome unknown")

	f.tracker.set(ConfirmationConfirmed, nil)
	r, err = f.engine.Advance(ctx, processing.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, r.Steps[0].Status)

	assert.Equal(t, calls, f.broadcaster.Calls(), "recovery must not broadcast")
}

func TestSubmittingResolvedFromChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	artifact := &types.Artifact{Chain: "polkadot", Kind: types.ArtifactTransfer, Calls: []types.Call{{Recipient: "deposit-1"}}}

	r := f.create(t)
	_, err := f.manager.Transition(ctx, r.ID, 0, Change{To: StatusPrepare})
	require.NoError(t, err)
	_, err = f.manager.Transition(ctx, r.ID, 0, Change{To: StatusSubmitting, Artifact: artifact})
	require.NoError(t, err)

	f.engine.tracker = &observingTracker{id: "deposit-1"}

	r, err = f.engine.Advance(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, r.Steps[0].Status)
	assert.Equal(t, "deposit-1", r.Steps[0].TransactionID)
	assert.Zero(t, f.broadcaster.Calls())
}

type observingTracker struct {
	id string
}

func (o *observingTracker) Track(_ context.Context, req TrackRequest) (*Confirmation, error) {
	if req.Artifact == nil || req.Artifact.Calls[0].Recipient != o.id {
		return nil, types.ErrNothingToTrack
	}
	return &Confirmation{State: ConfirmationObserved, TransactionID: o.id}, nil
}

func TestAdvanceIsSerialisedPerProcess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tracker.set(ConfirmationPending, nil)
	r := f.create(t)
	f.advanceTo(t, r.ID, 0, StatusPrepare)

	f.broadcaster.started = make(chan struct{}, 1)
	f.broadcaster.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*ProcessRecord, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.engine.Advance(ctx, r.ID)
			assert.NoError(t, err)
			results[i] = got
		}()
		if i == 0 {
			<-f.broadcaster.started
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(f.broadcaster.release)
	wg.Wait()

	assert.Equal(t, 1, f.broadcaster.Calls())
	assert.Equal(t, 1, f.xcm.builds)
	got, err := f.manager.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Steps[0].Status)
}

func TestStartRunsRecoveredProcesses(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t)

	events, unsubscribe := f.engine.Subscribe("")
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.engine.Start(ctx))
	assert.Error(t, f.engine.Start(ctx))

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			done = ev.ProcessID == r.ID && ev.StepID == 1 && ev.To == StatusComplete
		case <-deadline:
			t.Fatal("process was not driven to completion")
		}
	}
	f.engine.Stop()

	got, err := f.manager.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status())
}

func TestBroker(t *testing.T) {
	b := NewBroker()
	mine, unsubMine := b.Subscribe("a")
	all, unsubAll := b.Subscribe("")

	b.Publish(Event{ProcessID: "b", To: StatusPrepare})
	b.Publish(Event{ProcessID: "a", To: StatusComplete})

	assert.Equal(t, "a", (<-mine).ProcessID)
	assert.Equal(t, "b", (<-all).ProcessID)
	assert.Equal(t, "a", (<-all).ProcessID)

	unsubMine()
	unsubMine()
	_, ok := <-mine
	assert.False(t, ok)

	// a full subscriber never blocks publishing
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(Event{ProcessID: "a"})
	}
	unsubAll()
}
