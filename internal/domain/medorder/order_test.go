package medorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeriod() DateRange {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return DateRange{Start: start, End: start.AddDate(0, 0, 7)}
}

func newPendingOrder(t *testing.T) *MedicalOrder {
	t.Helper()
	o, err := NewMedicalOrder("student-42", "nurse-1", testPeriod())
	require.NoError(t, err)
	return o
}

func TestNewMedicalOrder(t *testing.T) {
	o := newPendingOrder(t)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, 1, o.Version)

	_, err := NewMedicalOrder("", "nurse-1", testPeriod())
	assert.ErrorIs(t, err, ErrInvalidInput)

	p := testPeriod()
	_, err = NewMedicalOrder("student-42", "nurse-1", DateRange{Start: p.End, End: p.Start})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewMedicalOrder("student-42", "nurse-1", DateRange{Start: p.Start, End: p.Start})
	assert.NoError(t, err, "single-day orders are allowed")
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusApproved))
	assert.True(t, StatusPending.CanTransitionTo(StatusCanceled))
	assert.True(t, StatusApproved.CanTransitionTo(StatusCompleted))
	assert.False(t, StatusApproved.CanTransitionTo(StatusCanceled))
	assert.False(t, StatusPending.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusApproved.Terminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)

	_, err = ParseStatus("dispensed")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMedicalOrder_ApproveAndReject(t *testing.T) {
	o := newPendingOrder(t)
	require.NoError(t, o.Approve())
	assert.Equal(t, StatusApproved, o.Status)
	assert.Equal(t, 2, o.Version)

	err := o.Approve()
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusApproved, te.From)
	assert.Equal(t, StatusApproved, te.To)

	r := newPendingOrder(t)
	assert.ErrorIs(t, r.Reject("   "), ErrInvalidInput)
	assert.Equal(t, StatusPending, r.Status)

	require.NoError(t, r.Reject("duplicate"))
	assert.Equal(t, StatusCanceled, r.Status)
	assert.Equal(t, "duplicate", r.RejectionNote)
	assert.ErrorIs(t, r.Approve(), ErrIllegalTransition)
	assert.ErrorIs(t, r.Reject("other reason"), ErrIllegalTransition)
	assert.ErrorIs(t, r.Reject(""), ErrIllegalTransition, "a closed order reports the transition first")
	assert.Equal(t, "duplicate", r.RejectionNote)
}

func TestMedicalOrder_RecomputeAfterDispense(t *testing.T) {
	o := newPendingOrder(t)
	depleted := []*MedicineLine{{ID: "a"}, {ID: "b"}}

	assert.False(t, o.RecomputeAfterDispense(depleted), "pending orders never complete")

	require.NoError(t, o.Approve())
	assert.False(t, o.RecomputeAfterDispense(nil), "an empty line set never completes")
	assert.False(t, o.RecomputeAfterDispense([]*MedicineLine{{ID: "a"}, {ID: "b", RemainingQuantity: 5}}))
	assert.Equal(t, StatusApproved, o.Status)

	assert.True(t, o.RecomputeAfterDispense(depleted))
	assert.Equal(t, StatusCompleted, o.Status)
	assert.False(t, o.RecomputeAfterDispense(depleted))
}

func TestMedicalOrder_SetStatus(t *testing.T) {
	depleted := []*MedicineLine{{ID: "a"}}
	stocked := []*MedicineLine{{ID: "a", RemainingQuantity: 3}}

	t.Run("current status is rejected", func(t *testing.T) {
		o := newPendingOrder(t)
		err := o.SetStatus(StatusPending, "", stocked)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.Equal(t, 1, o.Version)

		require.NoError(t, o.SetStatus(StatusApproved, "", stocked))
		assert.ErrorIs(t, o.SetStatus(StatusApproved, "", stocked), ErrIllegalTransition)
	})

	t.Run("cancel requires a note", func(t *testing.T) {
		o := newPendingOrder(t)
		err := o.SetStatus(StatusCanceled, "", stocked)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Equal(t, StatusPending, o.Status)

		require.NoError(t, o.SetStatus(StatusCanceled, "wrong student", stocked))
		assert.Equal(t, "wrong student", o.RejectionNote)
	})

	t.Run("complete requires depleted lines", func(t *testing.T) {
		o := newPendingOrder(t)
		require.NoError(t, o.Approve())
		err := o.SetStatus(StatusCompleted, "", stocked)
		assert.ErrorIs(t, err, ErrIllegalTransition)

		require.NoError(t, o.SetStatus(StatusCompleted, "", depleted))
		assert.Equal(t, StatusCompleted, o.Status)
	})

	t.Run("terminal states are closed", func(t *testing.T) {
		o := newPendingOrder(t)
		require.NoError(t, o.Reject("duplicate"))
		for _, target := range []Status{StatusPending, StatusApproved, StatusCanceled, StatusCompleted} {
			err := o.SetStatus(target, "note", depleted)
			assert.ErrorIs(t, err, ErrIllegalTransition, "target %s", target)
		}
		assert.Equal(t, StatusCanceled, o.Status)
	})

	t.Run("approved cannot be canceled", func(t *testing.T) {
		o := newPendingOrder(t)
		require.NoError(t, o.Approve())
		err := o.SetStatus(StatusCanceled, "changed mind", stocked)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StatusApproved, te.From)
		assert.Equal(t, StatusCanceled, te.To)
	})
}
