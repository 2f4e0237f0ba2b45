package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"swap-router/pkg/types"
	"swap-router/pkg/venue"
)

const (
	DefaultConfirmationTimeout = 20 * time.Minute
	DefaultPollInterval        = 15 * time.Second
	DefaultVenueTimeout        = 30 * time.Second
	DefaultPickupInterval      = 60 * time.Second
	DefaultSubmitTimeout       = 2 * time.Minute
	MinPollInterval            = time.Second
)

// Broadcaster signs and broadcasts an artifact. It is called at most once per
// step attempt.
type Broadcaster interface {
	Broadcast(ctx context.Context, a *types.Artifact) (*types.TxResult, error)
}

// ConfirmationState is what a tracker observed for a submission
type ConfirmationState string

const (
	ConfirmationPending   ConfirmationState = "pending"   // not yet seen or not final
	ConfirmationObserved  ConfirmationState = "observed"  // seen on chain, not final
	ConfirmationConfirmed ConfirmationState = "confirmed" // final and successful
	ConfirmationFailed    ConfirmationState = "failed"    // final and unsuccessful
)

// Confirmation is a single observation of a submission
type Confirmation struct {
	State           ConfirmationState
	TransactionID   string
	TransactionHash string
	Reason          string
}

// TrackRequest identifies a submission to look up
type TrackRequest struct {
	Chain           types.ChainSlug
	Venue           types.Venue
	TransactionID   string
	TransactionHash string
	Artifact        *types.Artifact
}

// Tracker looks up the status of a submission once. Trackers return
// types.ErrNothingToTrack when the request carries nothing they can follow.
type Tracker interface {
	Track(ctx context.Context, req TrackRequest) (*Confirmation, error)
}

// Config bounds the engine's waits
type Config struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	VenueTimeout        time.Duration
	PickupInterval      time.Duration
	SubmitTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.VenueTimeout <= 0 {
		c.VenueTimeout = DefaultVenueTimeout
	}
	if c.PickupInterval <= 0 {
		c.PickupInterval = DefaultPickupInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// Engine drives process records through the step state machine
type Engine struct {
	manager     *Manager
	venues      *venue.Set
	broadcaster Broadcaster
	tracker     Tracker
	metrics     *Metrics
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	// one advancement in flight per process id
	group singleflight.Group

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	active   map[string]struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(manager *Manager, venues *venue.Set, broadcaster Broadcaster, tracker Tracker, metrics *Metrics, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		manager:     manager,
		venues:      venues,
		broadcaster: broadcaster,
		tracker:     tracker,
		metrics:     metrics,
		cfg:         cfg.withDefaults(),
		logger:      logger.With().Str("component", "engine").Logger(),
		now:         time.Now,
		sleep:       sleepContext,
		active:      make(map[string]struct{}),
	}
}

// Manager returns the record manager the engine writes through
func (e *Engine) Manager() *Manager {
	return e.manager
}

// Advance makes at most one transition of process id. Concurrent callers for
// the same id share a single advancement and its result.
func (e *Engine) Advance(ctx context.Context, id string) (*ProcessRecord, error) {
	v, err, shared := e.group.Do(id, func() (any, error) {
		// the first caller's cancellation must not abandon a half-made transition
		return e.advance(context.WithoutCancel(ctx), id)
	})
	if shared {
		e.logger.Debug().Str("process", id).Msg("joined in-flight advancement")
	}
	if v == nil {
		return nil, err
	}
	return v.(*ProcessRecord), err
}

func (e *Engine) advance(ctx context.Context, id string) (*ProcessRecord, error) {
	r, err := e.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return r, nil
	}
	step := r.CurrentStep()
	switch step.Status {
	case StatusQueued:
		return e.prepare(ctx, r, step)
	case StatusPrepare:
		return e.submit(ctx, r, step)
	case StatusSubmitting:
		return e.resolveSubmission(ctx, r, step)
	case StatusProcessing:
		return e.poll(ctx, r, step)
	}
	return r, fmt.Errorf("step %d has unexpected status %s", step.ID, step.Status)
}

func (e *Engine) transition(ctx context.Context, r *ProcessRecord, step *ProcessStep, ch Change) (*ProcessRecord, error) {
	next, err := e.manager.Transition(ctx, r.ID, step.ID, ch)
	if err != nil {
		return r, err
	}
	e.metrics.observe(next.Steps[step.ID], e.now())
	return next, nil
}

func (e *Engine) fail(ctx context.Context, r *ProcessRecord, step *ProcessStep, reason string) (*ProcessRecord, error) {
	return e.transition(ctx, r, step, Change{To: StatusFailed, Reason: reason})
}

// prepare checks quote validity and moves a QUEUED step to PREPARE
func (e *Engine) prepare(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	if e.quoteExpired(r, step) {
		return e.failExpired(ctx, r, step)
	}
	return e.transition(ctx, r, step, Change{To: StatusPrepare})
}

// quoteExpired reports whether step still depends on a quote that is no
// longer valid. Steps after the main leg run on whatever arrived.
func (e *Engine) quoteExpired(r *ProcessRecord, step *ProcessStep) bool {
	return r.Quote != nil && step.ID <= r.Path.MainLeg() && r.Quote.Expired(e.now())
}

func (e *Engine) failExpired(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	reason := fmt.Sprintf("%s: valid until %s", types.ErrQuoteExpired, r.Quote.AliveUntil.Format(time.RFC3339))
	return e.fail(ctx, r, step, reason)
}

// submit builds the step's artifact, persists SUBMITTING and broadcasts. The
// record says SUBMITTING before anything reaches the chain, so a crash after
// this point can never lead to a second broadcast.
func (e *Engine) submit(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	// a step can sit in PREPARE across retries long after the quote lapsed
	if e.quoteExpired(r, step) {
		return e.failExpired(ctx, r, step)
	}

	h, err := e.venues.Handler(step.Detail.Venue)
	if err != nil {
		return e.fail(ctx, r, step, err.Error())
	}

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	defer cancel()

	errs := h.Validate(vctx, venue.ValidateParams{Path: r.Path, Index: step.ID, Quote: r.Quote, Amount: step.AmountIn})
	if err := types.JoinValidation(errs); err != nil {
		return e.fail(ctx, r, step, err.Error())
	}

	artifact, err := h.BuildSubmission(vctx, venue.SubmitParams{
		ProcessID: r.ID,
		StepID:    step.ID,
		Attempt:   step.Attempt,
		Step:      r.Path[step.ID],
		Detail:    step.Detail,
		Quote:     r.Quote,
		Amount:    step.AmountIn,
		Address:   stepAddress(r, step),
		Recipient: stepRecipient(r, step),
		RefundTo:  r.RefundTo,
	})
	if err != nil {
		if types.IsRetryable(err) {
			e.logger.Warn().Err(err).Str("process", r.ID).Int("step", step.ID).Msg("venue unavailable, step stays in PREPARE")
			return r, err
		}
		return e.fail(ctx, r, step, err.Error())
	}

	deadline := e.now().Add(e.cfg.ConfirmationTimeout)
	r, err = e.transition(ctx, r, step, Change{To: StatusSubmitting, Artifact: artifact, Deadline: &deadline})
	if err != nil {
		return r, err
	}
	step = r.Steps[step.ID]

	bctx, bcancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer bcancel()
	res, err := e.broadcaster.Broadcast(bctx, artifact)
	if err != nil {
		if errors.Is(bctx.Err(), context.DeadlineExceeded) {
			// the transaction may still have gone out; the step stays in
			// SUBMITTING and the next pass asks the chain instead of resending
			e.logger.Warn().Err(err).Str("process", r.ID).Int("step", step.ID).
				Dur("timeout", e.cfg.SubmitTimeout).Msg("broadcast timed out, step stays in SUBMITTING")
			return r, types.Retryable(fmt.Errorf("broadcast timed out after %s: %w", e.cfg.SubmitTimeout, err))
		}
		return e.fail(ctx, r, step, fmt.Sprintf("%s: %v", types.ErrSubmissionFailed, err))
	}
	if res.Chain == "" {
		res.Chain = artifact.Chain
	}
	return e.transition(ctx, r, step, Change{To: StatusProcessing, Result: res, Deadline: &deadline})
}

// resolveSubmission handles a step found in SUBMITTING, which only happens
// when the previous owner stopped between persisting and broadcasting. The
// chain is asked what happened; nothing is ever sent again.
func (e *Engine) resolveSubmission(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	c, err := e.track(ctx, step)
	if errors.Is(err, types.ErrNothingToTrack) {
		return e.fail(ctx, r, step, fmt.Sprintf("%s: submission outcome unknown, check %s for transactions from %s",
			types.ErrSubmissionFailed, step.Chain, stepAddress(r, step)))
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("process", r.ID).Int("step", step.ID).Msg("failed to look up submission")
		return e.timeoutIfDue(ctx, r, step)
	}

	switch c.State {
	case ConfirmationObserved, ConfirmationConfirmed:
		deadline := e.deadline(step)
		r, err = e.transition(ctx, r, step, Change{
			To:       StatusProcessing,
			Result:   &types.TxResult{Chain: step.Chain, TransactionID: c.TransactionID, TransactionHash: c.TransactionHash},
			Deadline: &deadline,
		})
		if err != nil {
			return r, err
		}
		if c.State == ConfirmationConfirmed {
			return e.transition(ctx, r, r.Steps[step.ID], Change{To: StatusComplete})
		}
		return r, nil
	case ConfirmationFailed:
		return e.fail(ctx, r, step, confirmationReason(c))
	}
	return e.timeoutIfDue(ctx, r, step)
}

// poll checks a PROCESSING step once
func (e *Engine) poll(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	c, err := e.track(ctx, step)
	if err != nil {
		e.logger.Warn().Err(err).Str("process", r.ID).Int("step", step.ID).Msg("failed to check confirmation")
		return e.timeoutIfDue(ctx, r, step)
	}
	switch c.State {
	case ConfirmationConfirmed:
		return e.transition(ctx, r, step, Change{To: StatusComplete})
	case ConfirmationFailed:
		return e.fail(ctx, r, step, confirmationReason(c))
	}
	return e.timeoutIfDue(ctx, r, step)
}

func (e *Engine) track(ctx context.Context, step *ProcessStep) (*Confirmation, error) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.VenueTimeout)
	defer cancel()
	return e.tracker.Track(tctx, TrackRequest{
		Chain:           step.Chain,
		Venue:           step.Detail.Venue,
		TransactionID:   step.TransactionID,
		TransactionHash: step.TransactionHash,
		Artifact:        step.Artifact,
	})
}

func (e *Engine) timeoutIfDue(ctx context.Context, r *ProcessRecord, step *ProcessStep) (*ProcessRecord, error) {
	if !e.now().After(e.deadline(step)) {
		return r, nil
	}
	reason := fmt.Sprintf("%s: no confirmation after %s", types.ErrConfirmationTimeout, e.cfg.ConfirmationTimeout)
	return e.transition(ctx, r, step, Change{To: StatusTimeout, Reason: reason})
}

func (e *Engine) deadline(step *ProcessStep) time.Time {
	if step.DeadlineAt != nil {
		return *step.DeadlineAt
	}
	return step.UpdatedAt.Add(e.cfg.ConfirmationTimeout)
}

// Run advances process id until it is terminal or ctx is done
func (e *Engine) Run(ctx context.Context, id string) (*ProcessRecord, error) {
	for {
		before, err := e.manager.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if before.Terminal() {
			return before, nil
		}

		r, err := e.Advance(ctx, id)
		if err != nil && !types.IsRetryable(err) {
			return r, err
		}
		if r != nil && r.Terminal() {
			return r, nil
		}

		// keep going without waiting while transitions are being made
		if err == nil && r != nil && !r.LastUpdated.Equal(before.LastUpdated) {
			continue
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return r, err
		}
	}
}

// Cancel cancels process id while its current step has not been submitted
func (e *Engine) Cancel(ctx context.Context, id string) (*ProcessRecord, error) {
	r, err := e.manager.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	e.metrics.observe(r.Steps[r.CurrentStepID], e.now())
	return r, nil
}

// Recover prepares non-terminal processes after a restart. Steps caught in
// PREPARE go back to QUEUED; SUBMITTING and PROCESSING steps are only
// tracked again. It returns the ids that still need advancing.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	records, err := e.manager.ListNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var ids []string
	for _, r := range records {
		step := r.CurrentStep()
		if step == nil {
			continue
		}
		if step.Status == StatusPrepare {
			if r, err = e.transition(ctx, r, step, Change{To: StatusQueued, Reason: "recovered before submission"}); err != nil {
				e.logger.Error().Err(err).Str("process", r.ID).Msg("failed to requeue step")
				continue
			}
			step = r.CurrentStep()
		}
		e.logger.Info().
			Str("process", r.ID).
			Int("step", step.ID).
			Str("status", string(step.Status)).
			Msg("recovered process")
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Reconciliation reports what the chain says about a timed-out step
type Reconciliation struct {
	ProcessID    string
	StepID       int
	Status       StepStatus
	Confirmation *Confirmation
}

// Reconcile looks up the current step of a TIMEOUT process without changing
// the record
func (e *Engine) Reconcile(ctx context.Context, id string) (*Reconciliation, error) {
	r, err := e.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var step *ProcessStep
	for _, s := range r.Steps {
		if s.Status == StatusTimeout {
			step = s
			break
		}
	}
	if step == nil {
		return nil, fmt.Errorf("process '%s' has no timed out step", id)
	}
	c, err := e.track(ctx, step)
	if err != nil {
		return nil, err
	}
	return &Reconciliation{ProcessID: id, StepID: step.ID, Status: step.Status, Confirmation: c}, nil
}

// Subscribe returns transition events for process id ("" for all)
func (e *Engine) Subscribe(id string) (<-chan Event, func()) {
	return e.manager.Subscribe(id)
}

// Start recovers orphaned processes and keeps picking up non-terminal ones
// until Stop is called or ctx is done
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	ids, err := e.Recover(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("recovery failed")
	}
	for _, id := range ids {
		e.startRunner(ctx, id)
	}

	e.wg.Add(1)
	go e.pickupLoop(ctx)
	return nil
}

// Stop halts the pickup loop and waits for runners to return
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) pickupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PickupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			records, err := e.manager.ListNonTerminal(ctx)
			if err != nil {
				e.logger.Error().Err(err).Msg("failed to list processes")
				continue
			}
			for _, r := range records {
				e.startRunner(ctx, r.ID)
			}
		}
	}
}

func (e *Engine) startRunner(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[id]; ok || !e.running {
		return
	}
	e.active[id] = struct{}{}

	rctx, cancel := context.WithCancel(ctx)
	stop := e.stopChan
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
		}()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-rctx.Done():
			}
		}()

		r, err := e.Run(rctx, id)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			e.logger.Error().Err(err).Str("process", id).Msg("process runner stopped")
		case r != nil && r.Terminal():
			e.logger.Info().Str("process", id).Str("status", string(r.Status())).Msg("process finished")
		}
	}()
}

func stepAddress(r *ProcessRecord, step *ProcessStep) string {
	if a := step.Detail.Metadata["from_address"]; a != "" {
		return a
	}
	return r.Address
}

func stepRecipient(r *ProcessRecord, step *ProcessStep) string {
	if a := step.Detail.Metadata["recipient"]; a != "" {
		return a
	}
	if step.ID == len(r.Steps)-1 {
		return r.Recipient
	}
	return stepAddress(r, step)
}

func confirmationReason(c *Confirmation) string {
	if c.Reason != "" {
		return fmt.Sprintf("%s: %s", types.ErrSubmissionFailed, c.Reason)
	}
	return fmt.Sprintf("%s: transaction reverted", types.ErrSubmissionFailed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
