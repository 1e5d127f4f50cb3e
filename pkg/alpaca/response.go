package alpaca

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"aoguide/pkg/guider"
)

// Alpaca error numbers.
const (
	ErrorNotImplemented   = 0x400
	ErrorInvalidValue     = 0x401
	ErrorValueNotSet      = 0x402
	ErrorNotConnected     = 0x407
	ErrorInvalidOperation = 0x40B
	ErrorDriver           = 0x500
)

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// formValue returns a request parameter. Alpaca parameter names are case
// insensitive; GET parameters come from the query and PUT parameters from
// the body.
func formValue(r *http.Request, name string) (string, bool) {
	if err := r.ParseForm(); err != nil {
		return "", false
	}

	params := r.Form
	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		params = r.PostForm
	}
	for param, value := range params {
		if strings.EqualFold(param, name) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID obtains the client transaction ID of the request. A
// missing ID is reported as 0.
func getClientTxID(r *http.Request) (int, error) {
	if strings.HasPrefix(r.URL.Path, "/management") {
		return 0, nil
	}

	value, ok := formValue(r, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return id, nil
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	txID, err := getClientTxID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleError(w http.ResponseWriter, r *http.Request, code int, message string) {
	txID, err := getClientTxID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		ErrorNumber:         code,
		ErrorMessage:        message,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDeviceError reports err with the Alpaca error number that fits it.
func handleDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	handleError(w, r, errorNumber(err), err.Error())
}

func errorNumber(err error) int {
	switch {
	case errors.Is(err, guider.ErrNotImplemented):
		return ErrorNotImplemented
	case errors.Is(err, guider.ErrNotConnected):
		return ErrorNotConnected
	case errors.Is(err, guider.ErrInvalidDirection), guider.IsKind(err, guider.KindValidation):
		return ErrorInvalidValue
	case errors.Is(err, guider.ErrNotCalibrated), errors.Is(err, guider.ErrLimitReached), errors.Is(err, guider.ErrCalibrating):
		return ErrorInvalidOperation
	default:
		return ErrorDriver
	}
}

// handleMgm adapts a management endpoint that returns a value.
func handleMgm(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		if err != nil {
			handleDeviceError(w, r, err)
			return
		}
		handleResponse(w, r, value)
	})
}

func parseRequest(r *http.Request, field string) (string, error) {
	value, ok := formValue(r, field)
	if !ok {
		return "", fmt.Errorf("missing field %s", field)
	}
	return value, nil
}

func parseBoolRequest(r *http.Request, field string) (bool, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(value)
}

func parseFloatRequest(r *http.Request, field string) (float64, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(value, 64)
}

func parseIntRequest(r *http.Request, field string) (int, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

func parseDirection(r *http.Request) (guider.Direction, error) {
	n, err := parseIntRequest(r, "Direction")
	if err != nil {
		return 0, err
	}
	dir := guider.Direction(n)
	if !dir.Valid() {
		return 0, fmt.Errorf("%w: %d", guider.ErrInvalidDirection, n)
	}
	return dir, nil
}

func parseAxis(r *http.Request) (guider.Axis, error) {
	n, err := parseIntRequest(r, "Axis")
	if err != nil {
		return 0, err
	}
	switch guider.Axis(n) {
	case guider.AxisNS, guider.AxisEW:
		return guider.Axis(n), nil
	}
	return 0, fmt.Errorf("invalid axis %d", n)
}
