// Package handlers provides HTTP handlers for the medical order API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api/middleware"
	"github.com/schoolcare/medorder/internal/domain/medorder"
	"github.com/schoolcare/medorder/internal/fhir/mapper"
	fhir "github.com/schoolcare/medorder/internal/fhir/r5"
)

const maxBodyBytes = 1 << 20

// MedicalOrderHandler handles medical order endpoints
type MedicalOrderHandler struct {
	service *medorder.Service
	query   *medorder.Query
	mapper  *mapper.OrderToFHIRMapper
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewMedicalOrderHandler creates a new handler. fhirBaseURL may be empty, in
// which case bundle entries use urn:uuid full URLs.
func NewMedicalOrderHandler(service *medorder.Service, query *medorder.Query, fhirBaseURL string, logger *zap.Logger) *MedicalOrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicalOrderHandler{
		service: service,
		query:   query,
		mapper:  mapper.NewOrderToFHIRMapper(fhirBaseURL),
		logger:  logger,
		tracer:  otel.Tracer("medical-order-handler"),
	}
}

// Routes returns the handler routes
func (h *MedicalOrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Get("/{id}/fhir", h.FHIR)
	r.Put("/{id}/status", h.SetStatus)
	r.Post("/{id}/details", h.UpdateDetails)
	r.Post("/{id}/records", h.RecordAdministration)
	return r
}

// Date accepts either a calendar date or an RFC 3339 timestamp
type Date struct{ time.Time }

// UnmarshalJSON implements json.Unmarshaler
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}

// LineRequest is one entry of medicalOrderDetails. On create and when ID is
// empty it describes a new line; with an ID it refills that line, either to
// the absolute Quantity or by AdditionalQuantity.
type LineRequest struct {
	ID                 string   `json:"id,omitempty"`
	MedicineName       string   `json:"medicineName"`
	Dosage             string   `json:"dosage"`
	Type               string   `json:"type"`
	Time               []string `json:"time"`
	Note               string   `json:"note"`
	Quantity           *int     `json:"quantity"`
	AdditionalQuantity *int     `json:"additionalQuantity,omitempty"`
}

func (l LineRequest) input() medorder.LineInput {
	in := medorder.LineInput{
		MedicineName:   l.MedicineName,
		Dosage:         l.Dosage,
		Type:           l.Type,
		ScheduledTimes: l.Time,
		Note:           l.Note,
	}
	if l.Quantity != nil {
		in.InitialQuantity = *l.Quantity
	}
	return in
}

// CreateRequest is the request body for creating a medical order
type CreateRequest struct {
	SubjectID string        `json:"subjectId"`
	CreatedBy string        `json:"createdBy,omitempty"`
	StartDate Date          `json:"startDate"`
	EndDate   Date          `json:"endDate"`
	Lines     []LineRequest `json:"medicalOrderDetails"`
}

// StatusRequest is the body of a manual status change
type StatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// DetailsRequest adds or refills medicine lines
type DetailsRequest struct {
	Lines []LineRequest `json:"medicalOrderDetails"`
}

// RecordItem is one dispensed line of a batch
type RecordItem struct {
	MedicineLineID string `json:"medicalOrderDetailId"`
	Quantity       int    `json:"quantity"`
}

// RecordRequest is an administration batch. PerformedBy defaults to the
// authenticated caller.
type RecordRequest struct {
	PerformedBy string       `json:"performedBy,omitempty"`
	Items       []RecordItem `json:"items"`
}

// Create handles POST /medical-orders
func (h *MedicalOrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_medical_order")
	defer span.End()

	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines := make([]medorder.LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, l.input())
	}

	detail, err := h.service.CreateOrder(ctx, medorder.CreateOrderInput{
		SubjectID: req.SubjectID,
		CreatedBy: req.CreatedBy,
		Period:    medorder.DateRange{Start: req.StartDate.Time, End: req.EndDate.Time},
		Lines:     lines,
	})
	if err != nil {
		span.RecordError(err)
		h.serviceError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("order_id", detail.Order.ID))
	w.Header().Set("Location", "/api/v1/medical-orders/"+detail.Order.ID)
	ok(w, http.StatusCreated, detail, "medical order created")
}

// List handles GET /medical-orders
func (h *MedicalOrderHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "list_medical_orders")
	defer span.End()

	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "page must be an integer", fieldData{Field: "page"})
		return
	}
	size, err := intParam(q.Get("pageSize"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "pageSize must be an integer", fieldData{Field: "pageSize"})
		return
	}

	result, err := h.query.ListOrders(ctx, medorder.ListQuery{
		SubjectID: q.Get("subjectId"),
		Status:    medorder.Status(q.Get("status")),
		Page:      page,
		PageSize:  size,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	ok(w, http.StatusOK, result, "")
}

// Get handles GET /medical-orders/{id}
func (h *MedicalOrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "get_medical_order", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	detail, err := h.query.GetDetail(ctx, id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	ok(w, http.StatusOK, detail, "")
}

// History handles GET /medical-orders/{id}/history
func (h *MedicalOrderHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "get_medical_order_history", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	records, err := h.query.GetHistory(ctx, id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	if records == nil {
		records = []*medorder.AdministrationRecord{}
	}
	ok(w, http.StatusOK, records, "")
}

// FHIR handles GET /medical-orders/{id}/fhir. Errors are reported as an
// OperationOutcome rather than the usual envelope.
func (h *MedicalOrderHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "export_fhir_bundle", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	detail, err := h.query.GetDetail(ctx, id)
	var history []*medorder.AdministrationRecord
	if err == nil {
		history, err = h.query.GetHistory(ctx, id)
	}
	var bundle *fhir.Bundle
	if err == nil {
		bundle, err = h.mapper.MapOrder(detail, history)
	}
	if err != nil {
		span.RecordError(err)
		status, _ := errorStatus(err)
		code, diagnostics := "exception", "internal server error"
		switch status {
		case http.StatusNotFound:
			code, diagnostics = "not-found", err.Error()
		case http.StatusBadRequest:
			code, diagnostics = "invalid", err.Error()
		case http.StatusServiceUnavailable:
			code, diagnostics = "transient", "temporarily unavailable, retry later"
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		default:
			h.logger.Error("fhir export failed", zap.String("order_id", id), zap.Error(err))
		}
		writeFHIR(w, status, fhir.NewErrorOutcome(code, diagnostics))
		return
	}
	span.SetAttributes(attribute.Int("entries", len(bundle.Entry)))
	writeFHIR(w, http.StatusOK, bundle)
}

func writeFHIR(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SetStatus handles PUT /medical-orders/{id}/status
func (h *MedicalOrderHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "set_medical_order_status", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := medorder.ParseStatus(req.Status)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("status", string(target)))

	order, err := h.service.SetStatus(ctx, id, target, req.Note)
	if err != nil {
		span.RecordError(err)
		h.serviceError(w, r, err)
		return
	}
	ok(w, http.StatusOK, order, "status updated")
}

// UpdateDetails handles POST /medical-orders/{id}/details
func (h *MedicalOrderHandler) UpdateDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "update_medical_order_details", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	var req DetailsRequest
	if !h.decode(w, r, &req) {
		return
	}
	changes := make([]medorder.DetailChange, 0, len(req.Lines))
	for i, l := range req.Lines {
		if l.ID == "" {
			changes = append(changes, medorder.DetailChange{Line: l.input()})
			continue
		}
		switch {
		case l.AdditionalQuantity != nil:
			if *l.AdditionalQuantity < 1 {
				h.serviceError(w, r, &medorder.ValidationError{
					Field:   fmt.Sprintf("medicalOrderDetails[%d].additionalQuantity", i),
					Message: "must be positive",
				})
				return
			}
			changes = append(changes, medorder.DetailChange{LineID: l.ID, Additional: *l.AdditionalQuantity})
		case l.Quantity != nil:
			changes = append(changes, medorder.DetailChange{LineID: l.ID, NewTotal: *l.Quantity})
		default:
			h.serviceError(w, r, &medorder.ValidationError{
				Field:   fmt.Sprintf("medicalOrderDetails[%d].quantity", i),
				Message: "is required when refilling a line",
			})
			return
		}
	}

	detail, err := h.service.UpdateDetails(ctx, id, changes)
	if err != nil {
		span.RecordError(err)
		h.serviceError(w, r, err)
		return
	}
	ok(w, http.StatusOK, detail, "medical order details updated")
}

// RecordAdministration handles POST /medical-orders/{id}/records
func (h *MedicalOrderHandler) RecordAdministration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := h.tracer.Start(r.Context(), "record_administration", trace.WithAttributes(attribute.String("order_id", id)))
	defer span.End()

	var req RecordRequest
	if !h.decode(w, r, &req) {
		return
	}
	performedBy := strings.TrimSpace(req.PerformedBy)
	if performedBy == "" {
		performedBy = middleware.GetActorID(ctx)
	}
	items := make([]medorder.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, medorder.BatchItem{MedicineLineID: it.MedicineLineID, Quantity: it.Quantity})
	}

	record, err := h.service.RecordAdministration(ctx, id, performedBy, items)
	if err != nil {
		span.RecordError(err)
		h.serviceError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, record, "administration recorded")
}

func (h *MedicalOrderHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
			return false
		}
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
