package process

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"swap-router/pkg/types"
)

// StepStatus is the execution state of one step
type StepStatus string

const (
	StatusQueued     StepStatus = "QUEUED"     // waiting for the previous step
	StatusPrepare    StepStatus = "PREPARE"    // building the submission
	StatusSubmitting StepStatus = "SUBMITTING" // artifact handed to the signer
	StatusProcessing StepStatus = "PROCESSING" // broadcast, waiting for confirmation
	StatusComplete   StepStatus = "COMPLETE"   // confirmed on chain
	StatusFailed     StepStatus = "FAILED"     // unrecoverable error
	StatusCancelled  StepStatus = "CANCELLED"  // cancelled by the user
	StatusTimeout    StepStatus = "TIMEOUT"    // confirmation wait exceeded
)

// AllStatuses lists every step status
var AllStatuses = []StepStatus{
	StatusQueued, StatusPrepare, StatusSubmitting, StatusProcessing,
	StatusComplete, StatusFailed, StatusCancelled, StatusTimeout,
}

// Terminal reports whether no further transition is possible
func (s StepStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// InFlight reports whether a submission may exist for the step
func (s StepStatus) InFlight() bool {
	return s == StatusSubmitting || s == StatusProcessing
}

var transitions = map[StepStatus][]StepStatus{
	StatusQueued:     {StatusPrepare, StatusFailed, StatusCancelled, StatusTimeout},
	StatusPrepare:    {StatusSubmitting, StatusQueued, StatusFailed, StatusCancelled, StatusTimeout},
	StatusSubmitting: {StatusProcessing, StatusFailed, StatusTimeout},
	StatusProcessing: {StatusComplete, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to StepStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProcessStep is the persisted state of one step
type ProcessStep struct {
	ID        int               `json:"id"`
	Detail    types.StepDetail  `json:"detail"`
	Status    StepStatus        `json:"status"`
	Fee       types.StepFeeInfo `json:"fee"`
	AmountIn  decimal.Decimal   `json:"amount_in"`
	AmountOut decimal.Decimal   `json:"amount_out"`

	Chain           types.ChainSlug `json:"chain,omitempty"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	Artifact        *types.Artifact `json:"artifact,omitempty"`

	Attempt   int        `json:"attempt"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	// DeadlineAt bounds the confirmation wait once the step is submitted
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// ProcessRecord is the persisted state of one swap execution
type ProcessRecord struct {
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	LastUpdated time.Time `json:"last_updated"`

	From      types.AssetRef  `json:"from"`
	To        types.AssetRef  `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Address   string          `json:"address"`
	Recipient string          `json:"recipient"`
	RefundTo  string          `json:"refund_to,omitempty"`

	Shape         types.Shape         `json:"shape"`
	Path          types.Path          `json:"path"`
	Quote         *types.Quote        `json:"quote"`
	Steps         []*ProcessStep      `json:"steps"`
	TotalFee      []types.StepFeeInfo `json:"total_fee"`
	CurrentStepID int                 `json:"current_step_id"`
}

// CurrentStep returns the step currentStepId points at, or nil once every
// step is complete
func (r *ProcessRecord) CurrentStep() *ProcessStep {
	if r.CurrentStepID < 0 || r.CurrentStepID >= len(r.Steps) {
		return nil
	}
	return r.Steps[r.CurrentStepID]
}

// Status summarises the record: COMPLETE when every step is, the status of
// a failed/cancelled/timed-out step if any, otherwise the current step's
func (r *ProcessRecord) Status() StepStatus {
	for _, s := range r.Steps {
		if s.Status.Terminal() && s.Status != StatusComplete {
			return s.Status
		}
	}
	if cur := r.CurrentStep(); cur != nil {
		return cur.Status
	}
	return StatusComplete
}

// Terminal reports whether the engine will never advance the record again
func (r *ProcessRecord) Terminal() bool {
	return r.Status().Terminal()
}

// Reason returns the reason of the step that ended the process, if any
func (r *ProcessRecord) Reason() string {
	for _, s := range r.Steps {
		if s.Status.Terminal() && s.Status != StatusComplete {
			return s.Reason
		}
	}
	return ""
}

// Completed returns how many steps are COMPLETE
func (r *ProcessRecord) Completed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StatusComplete {
			n++
		}
	}
	return n
}

// checkOrdering verifies that no step has started while an earlier one is
// unfinished, and that currentStepId points at the earliest unfinished step
func (r *ProcessRecord) checkOrdering() error {
	earliest := len(r.Steps)
	for i, s := range r.Steps {
		if s.Status != StatusComplete {
			earliest = i
			break
		}
	}
	for i := earliest + 1; i < len(r.Steps); i++ {
		if r.Steps[i].Status != StatusQueued {
			return fmt.Errorf("step %d is %s while step %d is %s", i, r.Steps[i].Status, earliest, r.Steps[earliest].Status)
		}
	}
	if r.CurrentStepID != earliest {
		return fmt.Errorf("current step is %d, expected %d", r.CurrentStepID, earliest)
	}
	return nil
}

// Summary is a compact view of a record for listings
type Summary struct {
	ID          string          `json:"id"`
	From        types.AssetRef  `json:"from"`
	To          types.AssetRef  `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Shape       types.Shape     `json:"shape"`
	Status      StepStatus      `json:"status"`
	Progress    string          `json:"progress"`
	Created     time.Time       `json:"created"`
	LastUpdated time.Time       `json:"last_updated"`
}

// ToSummary converts a record to its summary
func (r *ProcessRecord) ToSummary() *Summary {
	return &Summary{
		ID:          r.ID,
		From:        r.From,
		To:          r.To,
		Amount:      r.Amount,
		Shape:       r.Shape,
		Status:      r.Status(),
		Progress:    fmt.Sprintf("%d/%d", r.Completed(), len(r.Steps)),
		Created:     r.Created,
		LastUpdated: r.LastUpdated,
	}
}

// Event is published on every persisted step transition
type Event struct {
	ProcessID string     `json:"process_id"`
	StepID    int        `json:"step_id"`
	From      StepStatus `json:"from"`
	To        StepStatus `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}
