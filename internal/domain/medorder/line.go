package medorder

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxQuantity is the largest stock a line may hold; it matches the INTEGER column
const MaxQuantity = math.MaxInt32

// MedicineLine is one prescribed medicine within a medical order
type MedicineLine struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"medicalOrderId"`
	MedicineName      string    `json:"medicineName"`
	Dosage            string    `json:"dosage"`
	Type              string    `json:"type"`
	ScheduledTimes    []string  `json:"time"`
	Note              string    `json:"note,omitempty"`
	RemainingQuantity int       `json:"quantity"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LineInput holds the caller-supplied fields of a new medicine line
type LineInput struct {
	MedicineName    string
	Dosage          string
	Type            string
	ScheduledTimes  []string
	Note            string
	InitialQuantity int
}

// NewMedicineLine validates the input and builds a line owned by orderID
func NewMedicineLine(orderID string, in LineInput) (*MedicineLine, error) {
	name := strings.TrimSpace(in.MedicineName)
	if name == "" {
		return nil, invalid("medicineName", "is required")
	}
	dosage := strings.TrimSpace(in.Dosage)
	if dosage == "" {
		return nil, invalid("dosage", "is required")
	}
	if in.InitialQuantity < 0 {
		return nil, invalid("quantity", "must not be negative")
	}
	if in.InitialQuantity > MaxQuantity {
		return nil, invalid("quantity", tooLarge)
	}

	now := time.Now().UTC()
	return &MedicineLine{
		ID:                uuid.New().String(),
		OrderID:           orderID,
		MedicineName:      name,
		Dosage:            dosage,
		Type:              strings.TrimSpace(in.Type),
		ScheduledTimes:    normalizeTimes(in.ScheduledTimes),
		Note:              strings.TrimSpace(in.Note),
		RemainingQuantity: in.InitialQuantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Decrement removes amount from the remaining quantity
func (l *MedicineLine) Decrement(amount int) (int, error) {
	if amount < 1 {
		return l.RemainingQuantity, invalid("quantity", "must be at least 1")
	}
	if amount > l.RemainingQuantity {
		return l.RemainingQuantity, &QuantityError{LineID: l.ID, Requested: amount, Remaining: l.RemainingQuantity}
	}
	l.RemainingQuantity -= amount
	l.UpdatedAt = time.Now().UTC()
	return l.RemainingQuantity, nil
}

// Increment refills the line by amount
func (l *MedicineLine) Increment(amount int) (int, error) {
	if amount <= 0 {
		return l.RemainingQuantity, invalid("additionalQuantity", "must be positive")
	}
	if amount > MaxQuantity-l.RemainingQuantity {
		return l.RemainingQuantity, invalid("quantity", tooLarge)
	}
	l.RemainingQuantity += amount
	l.UpdatedAt = time.Now().UTC()
	return l.RemainingQuantity, nil
}

var tooLarge = "must not exceed " + strconv.Itoa(MaxQuantity)

// Depleted reports whether nothing is left to administer
func (l *MedicineLine) Depleted() bool { return l.RemainingQuantity == 0 }

// Clone returns a deep copy
func (l *MedicineLine) Clone() *MedicineLine {
	c := *l
	c.ScheduledTimes = append([]string(nil), l.ScheduledTimes...)
	return &c
}

// normalizeTimes trims labels and drops blanks and duplicates, keeping first-seen order.
func normalizeTimes(times []string) []string {
	out := make([]string, 0, len(times))
	seen := make(map[string]struct{}, len(times))
	for _, t := range times {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
