// Package notify turns order lifecycle events into notifications for
// parents and school staff and delivers them to a webhook.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// Kind classifies a notification
type Kind string

const (
	KindOrderSubmitted         Kind = "order.submitted"
	KindOrderApproved          Kind = "order.approved"
	KindOrderRejected          Kind = "order.rejected"
	KindOrderCompleted         Kind = "order.completed"
	KindMedicineRefilled       Kind = "medicine.refilled"
	KindMedicationAdministered Kind = "medication.administered"
)

// Notification is the webhook payload
type Notification struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	OrderID       string          `json:"medicalOrderId"`
	SubjectID     string          `json:"subjectId,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Message       string          `json:"message"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// FromEvent builds the notification for ev. The second result is false for
// events nobody is notified about.
func FromEvent(ev *medorder.Event) (*Notification, bool, error) {
	n := &Notification{
		ID:            ev.ID,
		OrderID:       ev.AggregateID,
		SubjectID:     ev.SubjectID,
		Actor:         ev.Actor,
		OccurredAt:    ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Data:          ev.EventData,
	}

	switch ev.EventType {
	case medorder.EventOrderCreated:
		var d medorder.OrderCreatedData
		if err := decode(ev, &d); err != nil {
			return nil, false, err
		}
		n.Kind = KindOrderSubmitted
		n.Message = fmt.Sprintf("Medical order with %d medicine(s) submitted for review", d.Lines)

	case medorder.EventOrderApproved, medorder.EventOrderRejected, medorder.EventOrderCompleted:
		var d medorder.StatusChangedData
		if err := decode(ev, &d); err != nil {
			return nil, false, err
		}
		switch ev.EventType {
		case medorder.EventOrderApproved:
			n.Kind = KindOrderApproved
			n.Message = "Medical order approved by the school nurse"
		case medorder.EventOrderRejected:
			n.Kind = KindOrderRejected
			n.Message = "Medical order rejected: " + d.Note
		default:
			n.Kind = KindOrderCompleted
			n.Message = "All prescribed medicine has been administered"
		}

	case medorder.EventLineRefilled:
		var d medorder.LineChangedData
		if err := decode(ev, &d); err != nil {
			return nil, false, err
		}
		n.Kind = KindMedicineRefilled
		n.Message = fmt.Sprintf("%s refilled by %d, %d remaining", d.MedicineName, d.Added, d.Remaining)

	case medorder.EventAdministrationRecorded:
		var d medorder.AdministrationRecordedData
		if err := decode(ev, &d); err != nil {
			return nil, false, err
		}
		given := make([]string, 0, len(d.Items))
		for _, item := range d.Items {
			given = append(given, fmt.Sprintf("%d x %s", item.QuantityGiven, item.MedicineName))
		}
		n.Kind = KindMedicationAdministered
		n.Message = "Administered " + strings.Join(given, ", ")
		if !d.PerformedAt.IsZero() {
			n.OccurredAt = d.PerformedAt
		}

	default:
		return nil, false, nil
	}
	return n, true, nil
}

func decode(ev *medorder.Event, v interface{}) error {
	if err := json.Unmarshal(ev.EventData, v); err != nil {
		return fmt.Errorf("decode %s data: %w", ev.EventType, err)
	}
	return nil
}
