package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Reason classifies why an analyzer call produced no usable result.
type Reason string

const (
	ReasonUnavailable Reason = "unavailable"
	ReasonRateLimited Reason = "rate_limited"
	ReasonAuth        Reason = "auth"
	ReasonTimeout     Reason = "timeout"
	ReasonEmpty       Reason = "empty"
	ReasonNoFace      Reason = "no_face"
	ReasonUnusable    Reason = "unusable"
)

// ErrAnalysis matches every AnalysisError.
var ErrAnalysis = errors.New("analysis failed")

// AnalysisError is the single error type returned by the analyzers.
type AnalysisError struct {
	Reason Reason
	Err    error
}

func (e *AnalysisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("analysis failed (%s)", e.Reason)
	}
	return fmt.Sprintf("analysis failed (%s): %v", e.Reason, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func (e *AnalysisError) Is(target error) bool { return target == ErrAnalysis }

func newError(reason Reason, err error) *AnalysisError {
	return &AnalysisError{Reason: reason, Err: err}
}

// ReasonOf returns the reason carried by err, or ReasonUnavailable when err
// is not an AnalysisError.
func ReasonOf(err error) Reason {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnavailable
}

// classify maps a provider or context error onto an AnalysisError.
func classify(err error) *AnalysisError {
	if err == nil {
		return nil
	}
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ReasonTimeout, err)
	}

	switch statusCode(err) {
	case http.StatusTooManyRequests:
		return newError(ReasonRateLimited, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return newError(ReasonAuth, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "resource_exhausted"):
		return newError(ReasonRateLimited, err)
	case strings.Contains(msg, "api key"), strings.Contains(msg, "api_key"), strings.Contains(msg, "401"),
		strings.Contains(msg, "permission_denied"), strings.Contains(msg, "unauthorized"):
		return newError(ReasonAuth, err)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return newError(ReasonTimeout, err)
	}
	return newError(ReasonUnavailable, err)
}

// isNotFound reports whether the provider rejected the model name itself.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if statusCode(err) == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not_found") ||
		(strings.Contains(msg, "model") && strings.Contains(msg, "not found"))
}

func statusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
