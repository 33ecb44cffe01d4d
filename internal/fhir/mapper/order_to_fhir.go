// Package mapper renders medical orders as FHIR R5 resources.
package mapper

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	fhir "github.com/schoolcare/medorder/internal/fhir/r5"
)

var clockTime = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// eventTiming maps the school's named slots to FHIR event-timing codes
var eventTiming = map[string]string{
	"morning":   "MORN",
	"noon":      "NOON",
	"lunch":     "CD",
	"afternoon": "AFT",
	"evening":   "EVE",
	"night":     "NIGHT",
	"bedtime":   "HS",
}

// OrderToFHIRMapper transforms an order and its ledger into a FHIR Bundle
type OrderToFHIRMapper struct {
	// BaseURL prefixes entry fullUrls; urn:uuid is used when empty
	BaseURL string
	now     func() time.Time
}

// NewOrderToFHIRMapper creates a new mapper
func NewOrderToFHIRMapper(baseURL string) *OrderToFHIRMapper {
	return &OrderToFHIRMapper{
		BaseURL: strings.TrimRight(baseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MapOrder builds a collection bundle with one MedicationRequest per line
// and one MedicationAdministration per administered item.
func (m *OrderToFHIRMapper) MapOrder(detail *medorder.OrderDetail, history []*medorder.AdministrationRecord) (*fhir.Bundle, error) {
	if detail == nil || detail.Order == nil {
		return nil, fmt.Errorf("order is required")
	}
	order := detail.Order
	bundle := fhir.NewCollection(order.ID, m.now())
	bundle.Identifier = &fhir.Identifier{System: fhir.SystemOrderID, Value: order.ID}

	names := make(map[string]string, len(detail.Lines))
	for _, line := range detail.Lines {
		names[line.ID] = line.MedicineName
		if err := bundle.Add(m.fullURL("MedicationRequest", line.ID), m.MapLine(order, line)); err != nil {
			return nil, fmt.Errorf("medication request %s: %w", line.ID, err)
		}
	}

	for _, record := range history {
		for i, item := range record.Items {
			admin := m.MapAdministration(order, record, i, item)
			if err := bundle.Add(m.fullURL("MedicationAdministration", admin.ID), admin); err != nil {
				return nil, fmt.Errorf("medication administration %s: %w", admin.ID, err)
			}
		}
	}

	total := len(bundle.Entry)
	bundle.Total = &total
	return bundle, nil
}

// MapLine converts one medicine line to a MedicationRequest
func (m *OrderToFHIRMapper) MapLine(order *medorder.MedicalOrder, line *medorder.MedicineLine) *fhir.MedicationRequest {
	updated := line.UpdatedAt
	start, end := order.StartDate, order.EndDate

	req := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           line.ID,
		Meta:         &fhir.Meta{VersionID: fmt.Sprint(order.Version), LastUpdated: &updated},
		Identifier:   []fhir.Identifier{{Use: "official", System: fhir.SystemOrderLineID, Value: line.ID}},
		Status:       MapStatus(order.Status),
		Intent:       fhir.IntentOrder,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemRequestCategory, Code: "community", Display: "Community"}},
		}},
		Medication: fhir.CodeableReference{
			Concept: &fhir.CodeableConcept{Text: line.MedicineName},
		},
		Subject:         studentReference(order.SubjectID),
		GroupIdentifier: &fhir.Identifier{System: fhir.SystemOrderID, Value: order.ID},
		AuthoredOn:      order.CreatedAt,
		Requester: &fhir.Reference{
			Type:       "RelatedPerson",
			Identifier: &fhir.Identifier{System: fhir.SystemStaffID, Value: order.CreatedBy},
		},
		DosageInstruction: []fhir.Dosage{m.mapDosage(line, start, end)},
		DispenseRequest: &fhir.DispenseRequest{
			ValidityPeriod: &fhir.Period{Start: &start, End: &end},
			Quantity:       unitQuantity(line.RemainingQuantity, line.Type),
		},
	}
	if order.Status == medorder.StatusCanceled && order.RejectionNote != "" {
		req.StatusReason = &fhir.CodeableConcept{Text: order.RejectionNote}
	}
	if line.Note != "" {
		req.Note = []fhir.Annotation{{Text: line.Note}}
	}
	return req
}

// MapAdministration converts one administered item to a MedicationAdministration
func (m *OrderToFHIRMapper) MapAdministration(order *medorder.MedicalOrder, record *medorder.AdministrationRecord, index int, item medorder.AdministeredItem) *fhir.MedicationAdministration {
	id := fmt.Sprintf("%s-%d", record.ID, index+1)
	return &fhir.MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           id,
		Identifier:   []fhir.Identifier{{System: fhir.SystemRecordID, Value: record.ID}},
		Status:       fhir.AdministrationCompleted,
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemAdminCategory, Code: "community", Display: "Community"}},
		}},
		Medication: fhir.CodeableReference{
			Concept: &fhir.CodeableConcept{Text: item.MedicineName},
		},
		Subject:           studentReference(order.SubjectID),
		OccurenceDateTime: record.PerformedAt,
		Recorded:          record.PerformedAt,
		Performer: []fhir.AdministrationPerformer{{
			Actor: fhir.CodeableReference{Reference: &fhir.Reference{
				Type:       "Practitioner",
				Identifier: &fhir.Identifier{System: fhir.SystemStaffID, Value: record.PerformedBy},
			}},
		}},
		Request: &fhir.Reference{Reference: fhir.FormatReference("MedicationRequest", item.MedicineLineID)},
		Dosage:  &fhir.AdministrationDosage{Dose: unitQuantity(item.QuantityGiven, "")},
	}
}

// MapStatus converts an order status to a MedicationRequest status
func MapStatus(s medorder.Status) string {
	switch s {
	case medorder.StatusPending:
		return fhir.StatusDraft
	case medorder.StatusApproved:
		return fhir.StatusActive
	case medorder.StatusCanceled:
		return fhir.StatusCancelled
	case medorder.StatusCompleted:
		return fhir.StatusCompleted
	default:
		return "unknown"
	}
}

func (m *OrderToFHIRMapper) mapDosage(line *medorder.MedicineLine, start, end time.Time) fhir.Dosage {
	repeat := &fhir.TimingRepeat{BoundsPeriod: &fhir.Period{Start: &start, End: &end}}
	var unmapped []string
	for _, slot := range line.ScheduledTimes {
		key := strings.ToLower(strings.TrimSpace(slot))
		switch {
		case eventTiming[key] != "":
			repeat.When = append(repeat.When, eventTiming[key])
		case clockTime.MatchString(key):
			repeat.TimeOfDay = append(repeat.TimeOfDay, key+":00")
		default:
			unmapped = append(unmapped, slot)
		}
	}

	text := line.Dosage
	if len(unmapped) > 0 {
		text += " (" + strings.Join(unmapped, ", ") + ")"
	}
	dosage := fhir.Dosage{Sequence: 1, Text: text, Timing: &fhir.Timing{Repeat: repeat}}
	if line.Type != "" {
		dosage.Method = &fhir.CodeableConcept{Text: line.Type}
	}
	return dosage
}

func (m *OrderToFHIRMapper) fullURL(resourceType, id string) string {
	if m.BaseURL == "" {
		return "urn:uuid:" + id
	}
	return m.BaseURL + "/" + fhir.FormatReference(resourceType, id)
}

func studentReference(subjectID string) fhir.Reference {
	return fhir.Reference{
		Reference:  fhir.FormatReference("Patient", subjectID),
		Type:       "Patient",
		Identifier: &fhir.Identifier{System: fhir.SystemStudentID, Value: subjectID},
	}
}

func unitQuantity(n int, form string) *fhir.Quantity {
	unit := "unit"
	if form != "" {
		unit = form
	}
	return &fhir.Quantity{Value: float64(n), Unit: unit, System: fhir.SystemUCUM, Code: "{unit}"}
}
