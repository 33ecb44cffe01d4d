package medorder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventOrderCreated           EventType = "MedicalOrderCreated"
	EventOrderApproved          EventType = "MedicalOrderApproved"
	EventOrderRejected          EventType = "MedicalOrderRejected"
	EventOrderCompleted         EventType = "MedicalOrderCompleted"
	EventLineAdded              EventType = "MedicineLineAdded"
	EventLineRefilled           EventType = "MedicineLineRefilled"
	EventAdministrationRecorded EventType = "AdministrationRecorded"
)

// AggregateType is stamped on every event
const AggregateType = "MedicalOrder"

// Event represents a domain event written to the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	SubjectID     string          `json:"subject_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event for an order
func NewEvent(order *MedicalOrder, eventType EventType, actor string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   order.ID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Version:       order.Version,
		Timestamp:     time.Now().UTC(),
		SubjectID:     order.SubjectID,
		Actor:         actor,
	}, nil
}

// OrderCreatedData contains order creation details
type OrderCreatedData struct {
	OrderID   string    `json:"order_id"`
	SubjectID string    `json:"subject_id"`
	CreatedBy string    `json:"created_by"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Lines     int       `json:"lines"`
}

// StatusChangedData is shared by approve, reject and completion events
type StatusChangedData struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Note    string `json:"note,omitempty"`
}

// LineChangedData describes an added or refilled medicine line
type LineChangedData struct {
	OrderID      string `json:"order_id"`
	LineID       string `json:"line_id"`
	MedicineName string `json:"medicine_name"`
	Added        int    `json:"added"`
	Remaining    int    `json:"remaining"`
}

// AdministrationRecordedData summarises a dispense batch
type AdministrationRecordedData struct {
	OrderID     string             `json:"order_id"`
	RecordID    string             `json:"record_id"`
	PerformedBy string             `json:"performed_by"`
	PerformedAt time.Time          `json:"performed_at"`
	Items       []AdministeredItem `json:"items"`
}

// WithCorrelation sets the request correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
