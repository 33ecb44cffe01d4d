package r5

import "time"

// MedicationAdministration represents a FHIR R5 MedicationAdministration
// resource. One is emitted per administered item of a dispense batch.
type MedicationAdministration struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	// in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown
	Status   string            `json:"status"`
	Category []CodeableConcept `json:"category,omitempty"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	OccurenceDateTime time.Time `json:"occurenceDateTime"`
	Recorded          time.Time `json:"recorded,omitempty"`

	Performer []AdministrationPerformer `json:"performer,omitempty"`
	Request   *Reference                `json:"request,omitempty"`
	Dosage    *AdministrationDosage     `json:"dosage,omitempty"`
}

// AdministrationPerformer identifies who gave the medication.
type AdministrationPerformer struct {
	Actor CodeableReference `json:"actor"`
}

// AdministrationDosage describes the dose given.
type AdministrationDosage struct {
	Text string    `json:"text,omitempty"`
	Dose *Quantity `json:"dose,omitempty"`
}
