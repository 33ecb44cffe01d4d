package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolcare/medorder/internal/domain/medorder"
	fhir "github.com/schoolcare/medorder/internal/fhir/r5"
)

func sampleOrder() (*medorder.OrderDetail, []*medorder.AdministrationRecord) {
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	order := &medorder.MedicalOrder{
		ID:        "order-1",
		SubjectID: "student-7",
		CreatedBy: "parent-3",
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 14),
		Status:    medorder.StatusApproved,
		Version:   3,
		CreatedAt: start,
		UpdatedAt: start,
	}
	lines := []*medorder.MedicineLine{
		{ID: "line-a", OrderID: "order-1", MedicineName: "Paracetamol", Dosage: "500mg", Type: "tablet",
			ScheduledTimes: []string{"morning", "13:30", "after sports"}, RemainingQuantity: 8, UpdatedAt: start},
		{ID: "line-b", OrderID: "order-1", MedicineName: "Salbutamol", Dosage: "2 puffs", Note: "as needed",
			RemainingQuantity: 1, UpdatedAt: start},
	}
	history := []*medorder.AdministrationRecord{{
		ID:          "rec-1",
		OrderID:     "order-1",
		PerformedBy: "nurse-1",
		PerformedAt: start.Add(9 * time.Hour),
		Items: []medorder.AdministeredItem{
			{MedicineLineID: "line-a", QuantityGiven: 2, MedicineName: "Paracetamol"},
			{MedicineLineID: "line-b", QuantityGiven: 1, MedicineName: "Salbutamol"},
		},
	}}
	return &medorder.OrderDetail{Order: order, Lines: lines}, history
}

func TestMapOrder_Bundle(t *testing.T) {
	detail, history := sampleOrder()
	m := NewOrderToFHIRMapper("")

	bundle, err := m.MapOrder(detail, history)
	require.NoError(t, err)
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, fhir.BundleCollection, bundle.Type)
	require.NotNil(t, bundle.Total)
	assert.Equal(t, 4, *bundle.Total)
	assert.Equal(t, []string{
		"MedicationRequest", "MedicationRequest",
		"MedicationAdministration", "MedicationAdministration",
	}, bundle.ResourceTypes())
	assert.Equal(t, "urn:uuid:line-a", bundle.Entry[0].FullURL)

	var req fhir.MedicationRequest
	require.NoError(t, json.Unmarshal(bundle.Entry[0].Resource, &req))
	assert.Equal(t, fhir.StatusActive, req.Status)
	assert.Equal(t, "Paracetamol", req.GetMedicationDisplay())
	assert.Equal(t, "student-7", req.GetPatientID())
	qty, unit := req.GetQuantity()
	assert.Equal(t, 8.0, qty)
	assert.Equal(t, "tablet", unit)
	require.Len(t, req.DosageInstruction, 1)
	assert.Equal(t, []string{"MORN"}, req.DosageInstruction[0].Timing.Repeat.When)
	assert.Equal(t, []string{"13:30:00"}, req.DosageInstruction[0].Timing.Repeat.TimeOfDay)
	assert.Equal(t, "500mg (after sports)", req.DosageInstruction[0].Text)

	var admin fhir.MedicationAdministration
	require.NoError(t, json.Unmarshal(bundle.Entry[3].Resource, &admin))
	assert.Equal(t, "rec-1-2", admin.ID)
	assert.Equal(t, "MedicationRequest/line-b", admin.Request.Reference)
	assert.Equal(t, 1.0, admin.Dosage.Dose.Value)
	assert.Equal(t, "nurse-1", admin.Performer[0].Actor.Reference.Identifier.Value)
}

func TestMapOrder_BaseURLAndCanceled(t *testing.T) {
	detail, _ := sampleOrder()
	detail.Order.Status = medorder.StatusCanceled
	detail.Order.RejectionNote = "parent withdrew consent"

	bundle, err := NewOrderToFHIRMapper("https://fhir.example.org/").MapOrder(detail, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://fhir.example.org/MedicationRequest/line-a", bundle.Entry[0].FullURL)

	var req fhir.MedicationRequest
	require.NoError(t, json.Unmarshal(bundle.Entry[1].Resource, &req))
	assert.Equal(t, fhir.StatusCancelled, req.Status)
	require.NotNil(t, req.StatusReason)
	assert.Equal(t, "parent withdrew consent", req.StatusReason.Text)
	assert.Equal(t, "as needed", req.Note[0].Text)
}

func TestMapStatus(t *testing.T) {
	tests := map[medorder.Status]string{
		medorder.StatusPending:   fhir.StatusDraft,
		medorder.StatusApproved:  fhir.StatusActive,
		medorder.StatusCanceled:  fhir.StatusCancelled,
		medorder.StatusCompleted: fhir.StatusCompleted,
		medorder.Status("other"): "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, MapStatus(in), string(in))
	}
}

func TestMapOrder_RequiresOrder(t *testing.T) {
	_, err := NewOrderToFHIRMapper("").MapOrder(nil, nil)
	assert.Error(t, err)
}
