package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swap-router/pkg/planner"
	"swap-router/pkg/types"
)

// Manager owns every mutation of a process record and enforces the step
// state machine
type Manager struct {
	store  Store
	broker *Broker
	logger zerolog.Logger
	now    func() time.Time

	// serialises read-modify-write cycles; never held across venue or chain calls
	mu sync.Mutex
}

// NewManager creates a manager over store
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		broker: NewBroker(),
		logger: logger.With().Str("component", "process").Logger(),
		now:    time.Now,
	}
}

// CreateProcess persists a new record for plan with every step QUEUED
func (m *Manager) CreateProcess(ctx context.Context, plan *planner.Plan) (*ProcessRecord, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if len(plan.Steps) != len(plan.Path) || len(plan.TotalFee) != len(plan.Steps) {
		return nil, fmt.Errorf("plan is inconsistent: %d steps, %d actions, %d fees", len(plan.Steps), len(plan.Path), len(plan.TotalFee))
	}

	now := m.now()
	r := &ProcessRecord{
		ID:            uuid.New().String(),
		Created:       now,
		LastUpdated:   now,
		From:          plan.Request.From,
		To:            plan.Request.To,
		Amount:        plan.Request.Amount,
		Address:       plan.Request.Address,
		Recipient:     plan.Request.RecipientAddress(),
		RefundTo:      plan.Request.RefundAddress(),
		Shape:         plan.Shape,
		Path:          plan.Path,
		Quote:         plan.Quote,
		TotalFee:      plan.TotalFee,
		CurrentStepID: 0,
	}
	for i, s := range plan.Steps {
		r.Steps = append(r.Steps, &ProcessStep{
			ID:        i,
			Detail:    s.Detail,
			Status:    StatusQueued,
			Fee:       s.Fee,
			AmountIn:  s.AmountIn,
			AmountOut: s.AmountOut,
			UpdatedAt: now,
		})
	}

	if err := m.store.Create(ctx, r); err != nil {
		m.logger.Error().Err(err).Str("process", r.ID).Msg("failed to persist process")
		return nil, err
	}
	m.logger.Info().
		Str("process", r.ID).
		Str("shape", string(r.Shape)).
		Str("path", r.Path.String()).
		Msg("process created")
	return r, nil
}

// Get returns a process by id
func (m *Manager) Get(ctx context.Context, id string) (*ProcessRecord, error) {
	return m.store.Get(ctx, id)
}

// List returns every process, oldest first
func (m *Manager) List(ctx context.Context) ([]*ProcessRecord, error) {
	return m.store.List(ctx)
}

// ListNonTerminal returns the processes that may still advance
func (m *Manager) ListNonTerminal(ctx context.Context) ([]*ProcessRecord, error) {
	return m.store.ListNonTerminal(ctx)
}

// Change describes one transition of the current step
type Change struct {
	To     StepStatus
	Reason string
	// Artifact is required when entering SUBMITTING
	Artifact *types.Artifact
	// Result is required when entering PROCESSING
	Result *types.TxResult
	// Deadline bounds the wait in SUBMITTING or PROCESSING
	Deadline *time.Time
}

// Transition moves step stepID of process id along the state machine and
// persists the record. Only the current step may move.
func (m *Manager) Transition(ctx context.Context, id string, stepID int, ch Change) (*ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: process '%s' is already %s", types.ErrInvalidTransition, id, r.Status())
	}
	if stepID != r.CurrentStepID {
		return nil, fmt.Errorf("%w: step %d is not the current step %d", types.ErrInvalidTransition, stepID, r.CurrentStepID)
	}
	step := r.Steps[stepID]
	from := step.Status
	if !CanTransition(from, ch.To) {
		return nil, fmt.Errorf("%w: step %d cannot go from %s to %s", types.ErrInvalidTransition, stepID, from, ch.To)
	}

	now := m.now()
	switch ch.To {
	case StatusPrepare:
		step.Attempt++
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		step.Reason = ""
	case StatusQueued:
		step.Artifact = nil
		step.Reason = ch.Reason
	case StatusSubmitting:
		if ch.Artifact == nil || len(ch.Artifact.Calls) == 0 {
			return nil, fmt.Errorf("%w: entering %s needs an artifact", types.ErrInvalidTransition, ch.To)
		}
		step.Artifact = ch.Artifact
		step.Chain = ch.Artifact.Chain
		step.DeadlineAt = ch.Deadline
	case StatusProcessing:
		if ch.Result == nil || (ch.Result.TransactionID == "" && ch.Result.TransactionHash == "") {
			return nil, fmt.Errorf("%w: entering %s needs a transaction id", types.ErrInvalidTransition, ch.To)
		}
		step.TransactionID = ch.Result.TransactionID
		step.TransactionHash = ch.Result.TransactionHash
		if ch.Result.Chain != "" {
			step.Chain = ch.Result.Chain
		}
		step.DeadlineAt = ch.Deadline
	case StatusComplete:
		step.Reason = ""
	case StatusFailed, StatusCancelled, StatusTimeout:
		step.Reason = ch.Reason
		if step.Reason == "" {
			step.Reason = defaultReason(ch.To)
		}
	}
	step.Status = ch.To
	step.UpdatedAt = now
	r.LastUpdated = now
	if ch.To == StatusComplete {
		r.CurrentStepID = stepID + 1
	}

	if err := r.checkOrdering(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidTransition, err)
	}
	if err := m.store.Update(ctx, r); err != nil {
		m.logger.Error().Err(err).Str("process", id).Int("step", stepID).Msg("failed to persist transition")
		return nil, err
	}

	ev := m.logger.Info()
	if ch.To.Terminal() && ch.To != StatusComplete {
		ev = m.logger.Warn().Str("reason", step.Reason)
	}
	ev.Str("process", id).
		Int("step", stepID).
		Str("from", string(from)).
		Str("to", string(ch.To)).
		Msg("step transition")

	m.broker.Publish(Event{ProcessID: id, StepID: stepID, From: from, To: ch.To, Reason: step.Reason, At: now})
	return r, nil
}

// Cancel cancels the current step if nothing has been submitted for it
func (m *Manager) Cancel(ctx context.Context, id string) (*ProcessRecord, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: process '%s' is already %s", types.ErrInvalidTransition, id, r.Status())
	}
	step := r.CurrentStep()
	if step.Status.InFlight() {
		return nil, fmt.Errorf("%w: step %d is %s", types.ErrCannotCancel, step.ID, step.Status)
	}
	r, err = m.Transition(ctx, id, step.ID, Change{To: StatusCancelled, Reason: types.ErrUserCancelled.Error()})
	if err != nil {
		// the engine may have moved the step on since we looked
		if cur, gerr := m.store.Get(ctx, id); gerr == nil && cur.CurrentStep() != nil && cur.CurrentStep().Status.InFlight() {
			return nil, fmt.Errorf("%w: step %d is %s", types.ErrCannotCancel, cur.CurrentStepID, cur.CurrentStep().Status)
		}
		return nil, err
	}
	return r, nil
}

// Subscribe returns a channel of transition events for process id, or for
// every process when id is empty
func (m *Manager) Subscribe(id string) (<-chan Event, func()) {
	return m.broker.Subscribe(id)
}

func defaultReason(s StepStatus) string {
	switch s {
	case StatusCancelled:
		return types.ErrUserCancelled.Error()
	case StatusTimeout:
		return types.ErrConfirmationTimeout.Error()
	}
	return types.ErrSubmissionFailed.Error()
}
