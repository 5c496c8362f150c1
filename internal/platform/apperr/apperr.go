// Package apperr defines the domain rule violations the HTTP layer knows how
// to render. Services return *Error values; the error handler middleware maps
// them to a JSON envelope or a redirect with flashed errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Codes returned in the "code" field of the error envelope.
const (
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_FAILED"
	CodeConflict               = "CONFLICT"
	CodeDepartmentInUse        = "DEPARTMENT_IN_USE"
	CodeBedConflict            = "BED_CONFLICT"
	CodePatientAlreadyAdmitted = "PATIENT_ALREADY_ADMITTED"
	CodeInvalidPriceChange     = "INVALID_PRICE_CHANGE"
	CodeInsufficientStock      = "INSUFFICIENT_STOCK"
	CodeDuplicatePatient       = "DUPLICATE_PATIENT"
	CodeSlotTaken              = "SLOT_TAKEN"
	CodeInvalidState           = "INVALID_STATE"
)

// Error is a domain rule violation with a machine-readable code and
// user-facing suggestions.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Status      int               `json:"-"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Details     interface{}       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithSuggestions returns e with the suggestions appended.
func (e *Error) WithSuggestions(s ...string) *Error {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// WithDetails attaches structured context (e.g. per-drug shortages).
func (e *Error) WithDetails(d interface{}) *Error {
	e.Details = d
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	ae, ok := As(err)
	return ok && ae.Code == code
}

func New(status int, code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource string) *Error {
	return New(http.StatusNotFound, CodeNotFound, "%s not found", resource)
}

// Validation builds a 422 error. fields maps a field name to its problem.
func Validation(message string, fields map[string]string) *Error {
	e := New(http.StatusUnprocessableEntity, CodeValidation, "%s", message)
	e.Fields = fields
	return e
}

// Invalid is a shorthand for a single-field validation failure.
func Invalid(field, problem string) *Error {
	return Validation(field+" "+problem, map[string]string{field: problem})
}

func Conflict(code, format string, args ...interface{}) *Error {
	return New(http.StatusConflict, code, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(http.StatusConflict, CodeInvalidState, format, args...)
}

func DepartmentInUse(name string, references map[string]int) *Error {
	e := Conflict(CodeDepartmentInUse, "department %q is still referenced", name)
	e.Details = references
	return e.WithSuggestions(
		"Deactivate the department instead of deleting it",
		"Reassign wards and open encounters to another department first",
	)
}

func BedConflict(bedNumber, status string) *Error {
	return Conflict(CodeBedConflict, "bed %s is %s", bedNumber, status).WithSuggestions(
		"Choose a bed with status available",
		"Refresh the bed board; another admission may have just taken this bed",
	)
}

func PatientAlreadyAdmitted() *Error {
	return Conflict(CodePatientAlreadyAdmitted, "patient already has an active admission").WithSuggestions(
		"Transfer the patient to the new bed instead of admitting again",
		"Discharge the current admission first",
	)
}

func InvalidPriceChange(format string, args ...interface{}) *Error {
	e := New(http.StatusUnprocessableEntity, CodeInvalidPriceChange, format, args...)
	return e.WithSuggestions(
		"Prices must be greater than zero",
		"Changes above 50% must be confirmed with confirm_large_change=true",
	)
}

// Shortage describes one drug that cannot cover a requested quantity.
type Shortage struct {
	DrugID    string `json:"drug_id"`
	DrugName  string `json:"drug_name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func InsufficientStock(shortages []Shortage) *Error {
	e := Conflict(CodeInsufficientStock, "insufficient stock for %d drug(s)", len(shortages))
	e.Status = http.StatusUnprocessableEntity
	e.Details = shortages
	return e.WithSuggestions(
		"Reduce the prescribed quantity",
		"Prescribe an alternative from the formulary",
		"Ask pharmacy to receive new stock",
	)
}

func DuplicatePatient(mrn string) *Error {
	return Conflict(CodeDuplicatePatient, "a patient with the same identity already exists (%s)", mrn).WithSuggestions(
		"Open the existing record instead of registering again",
	)
}
