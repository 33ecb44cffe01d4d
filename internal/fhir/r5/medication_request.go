package r5

import "time"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// One is emitted per medicine line of an order.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Status       string           `json:"status"`
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`

	Intent   string            `json:"intent"`
	Category []CodeableConcept `json:"category,omitempty"`

	// R5 uses CodeableReference
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	// The order this line belongs to
	GroupIdentifier *Identifier `json:"groupIdentifier,omitempty"`

	AuthoredOn time.Time  `json:"authoredOn"`
	Requester  *Reference `json:"requester,omitempty"`

	Note              []Annotation     `json:"note,omitempty"`
	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod *Period   `json:"validityPeriod,omitempty"`
	Quantity       *Quantity `json:"quantity,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence int              `json:"sequence,omitempty"`
	Text     string           `json:"text,omitempty"`
	Timing   *Timing          `json:"timing,omitempty"`
	Method   *CodeableConcept `json:"method,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
	When         []string `json:"when,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil && len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Display
	}
	return ""
}

// GetQuantity returns the dispense quantity.
func (m *MedicationRequest) GetQuantity() (value float64, unit string) {
	if m.DispenseRequest == nil || m.DispenseRequest.Quantity == nil {
		return 0, ""
	}
	return m.DispenseRequest.Quantity.Value, m.DispenseRequest.Quantity.Unit
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
