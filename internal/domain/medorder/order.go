package medorder

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents medical order status
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// transitions lists the legal next states of every status
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusCanceled},
	StatusApproved:  {StatusCompleted},
	StatusCanceled:  nil,
	StatusCompleted: nil,
}

// ParseStatus converts a wire value into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", invalid("status", "unknown status "+s)
	}
	return st, nil
}

// Terminal reports whether no transition leaves this status
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// CanTransitionTo reports whether next is a legal successor of s
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MedicalOrder is the order aggregate root
type MedicalOrder struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subjectId"`
	CreatedBy     string    `json:"createdBy"`
	StartDate     time.Time `json:"startDate"`
	EndDate       time.Time `json:"endDate"`
	Status        Status    `json:"status"`
	RejectionNote string    `json:"note,omitempty"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DateRange is the inclusive period an order covers
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Validate rejects missing or inverted ranges
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return invalid("startDate", "is required")
	}
	if r.End.IsZero() {
		return invalid("endDate", "is required")
	}
	if r.End.Before(r.Start) {
		return invalid("endDate", "must not be before startDate")
	}
	return nil
}

// NewMedicalOrder builds a pending order
func NewMedicalOrder(subjectID, createdBy string, period DateRange) (*MedicalOrder, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, invalid("subjectId", "is required")
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &MedicalOrder{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		CreatedBy: strings.TrimSpace(createdBy),
		StartDate: period.Start.UTC(),
		EndDate:   period.End.UTC(),
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Approve moves a pending order to approved
func (o *MedicalOrder) Approve() error {
	return o.transition(StatusApproved)
}

// Reject cancels a pending order and records why
func (o *MedicalOrder) Reject(reason string) error {
	if !o.Status.CanTransitionTo(StatusCanceled) {
		return &TransitionError{From: o.Status, To: StatusCanceled}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return invalid("note", "a rejection reason is required")
	}
	o.RejectionNote = reason
	return o.transition(StatusCanceled)
}

// RecomputeAfterDispense completes an approved order once every line is
// depleted. It returns true when the status changed.
func (o *MedicalOrder) RecomputeAfterDispense(lines []*MedicineLine) bool {
	if o.Status != StatusApproved || !allDepleted(lines) {
		return false
	}
	// approved -> completed is always legal
	_ = o.transition(StatusCompleted)
	return true
}

// SetStatus is the operator override. It is routed through the same guarded
// transitions: cancel needs a note and completion needs every line depleted.
// Requesting the current status is an illegal transition like any other.
func (o *MedicalOrder) SetStatus(target Status, note string, lines []*MedicineLine) error {
	switch target {
	case StatusApproved:
		return o.Approve()
	case StatusCanceled:
		return o.Reject(note)
	case StatusCompleted:
		if !o.Status.CanTransitionTo(StatusCompleted) || !allDepleted(lines) {
			return &TransitionError{From: o.Status, To: target}
		}
		return o.transition(StatusCompleted)
	default:
		return &TransitionError{From: o.Status, To: target}
	}
}

// AcceptsNewLines reports whether lines may still be appended
func (o *MedicalOrder) AcceptsNewLines() bool { return !o.Status.Terminal() }

// Clone returns a copy
func (o *MedicalOrder) Clone() *MedicalOrder {
	c := *o
	return &c
}

func (o *MedicalOrder) transition(next Status) error {
	if !o.Status.CanTransitionTo(next) {
		return &TransitionError{From: o.Status, To: next}
	}
	o.Status = next
	o.touch()
	return nil
}

func (o *MedicalOrder) touch() {
	o.Version++
	o.UpdatedAt = time.Now().UTC()
}

func allDepleted(lines []*MedicineLine) bool {
	if len(lines) == 0 {
		return false
	}
	for _, l := range lines {
		if !l.Depleted() {
			return false
		}
	}
	return true
}
