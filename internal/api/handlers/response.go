package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/schoolcare/medorder/internal/api/middleware"
	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// retryAfterSeconds is advertised on transient persistence failures
const retryAfterSeconds = 1

// Envelope wraps every JSON response
type Envelope struct {
	IsSuccess bool        `json:"isSuccess"`
	Data      interface{} `json:"data"`
	Message   string      `json:"message,omitempty"`
}

type transitionData struct {
	CurrentStatus   medorder.Status `json:"currentStatus"`
	RequestedStatus medorder.Status `json:"requestedStatus,omitempty"`
}

type quantityData struct {
	MedicineLineID string `json:"medicalOrderDetailId"`
	Requested      int    `json:"requested"`
	Remaining      int    `json:"remaining"`
}

type fieldData struct {
	Field string `json:"field"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, data interface{}, message string) {
	writeJSON(w, status, Envelope{IsSuccess: true, Data: data, Message: message})
}

func jsonError(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, Envelope{IsSuccess: false, Data: data, Message: message})
}

// errorStatus classifies a service error into an HTTP status and the
// structured data clients use to recover.
func errorStatus(err error) (int, interface{}) {
	var (
		te *medorder.TransitionError
		se *medorder.StateError
		qe *medorder.QuantityError
		ve *medorder.ValidationError
	)
	switch {
	case errors.As(err, &qe):
		return http.StatusUnprocessableEntity, quantityData{MedicineLineID: qe.LineID, Requested: qe.Requested, Remaining: qe.Remaining}
	case errors.As(err, &te):
		return http.StatusConflict, transitionData{CurrentStatus: te.From, RequestedStatus: te.To}
	case errors.As(err, &se):
		return http.StatusConflict, transitionData{CurrentStatus: se.Status}
	case errors.As(err, &ve):
		return http.StatusBadRequest, fieldData{Field: ve.Field}
	case errors.Is(err, medorder.ErrInvalidInput):
		return http.StatusBadRequest, nil
	case errors.Is(err, medorder.ErrNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, medorder.ErrIllegalTransition):
		return http.StatusConflict, nil
	case errors.Is(err, medorder.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity, nil
	case errors.Is(err, medorder.ErrTransient):
		return http.StatusServiceUnavailable, nil
	default:
		return http.StatusInternalServerError, nil
	}
}

func (h *MedicalOrderHandler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status, data := errorStatus(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		message = "temporarily unavailable, retry later"
		h.logger.Warn("transient failure",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	case http.StatusInternalServerError:
		message = "internal server error"
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, status, message, data)
}
