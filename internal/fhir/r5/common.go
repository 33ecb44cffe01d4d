// Package r5 provides the FHIR R5 resources used to export medication orders.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Source      string     `json:"source,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// ContentType is the FHIR JSON media type
const ContentType = "application/fhir+json"

// Code systems
const (
	SystemUCUM            = "http://unitsofmeasure.org"
	SystemEventTiming     = "http://hl7.org/fhir/event-timing"
	SystemOrderID         = "urn:schoolcare:medical-order"
	SystemOrderLineID     = "urn:schoolcare:medical-order-detail"
	SystemRecordID        = "urn:schoolcare:administration-record"
	SystemStudentID       = "urn:schoolcare:student"
	SystemStaffID         = "urn:schoolcare:staff"
	SystemRequestCategory = "http://terminology.hl7.org/CodeSystem/medicationrequest-admin-location"
	SystemAdminCategory   = "http://terminology.hl7.org/CodeSystem/medication-admin-location"
)

// MedicationRequest statuses
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusDraft     = "draft"
)

// MedicationAdministration statuses
const (
	AdministrationCompleted = "completed"
)

// MedicationRequest intents
const (
	IntentOrder = "order"
)
