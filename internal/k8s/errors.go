package k8s

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// APIError is a non-2xx answer from the cluster API server. It implements
// apierrors.APIStatus so the usual IsNotFound/IsForbidden helpers apply.
type APIError struct {
	StatusCode int
	StatusText string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed: %d %s - %s", e.StatusCode, e.StatusText, e.Message())
}

// Message returns the server's Status message when the body carries one,
// otherwise the raw body.
func (e *APIError) Message() string {
	if status, ok := e.decodeStatus(); ok && status.Message != "" {
		return status.Message
	}
	return strings.TrimSpace(string(e.Body))
}

// Status implements apierrors.APIStatus.
func (e *APIError) Status() metav1.Status {
	status, ok := e.decodeStatus()
	if !ok {
		status = metav1.Status{
			Status:  metav1.StatusFailure,
			Message: strings.TrimSpace(string(e.Body)),
		}
	}
	status.Code = int32(e.StatusCode)
	if status.Reason == "" {
		status.Reason = reasonForCode(e.StatusCode)
	}
	return status
}

func (e *APIError) decodeStatus() (metav1.Status, bool) {
	var status metav1.Status
	if len(e.Body) == 0 || json.Unmarshal(e.Body, &status) != nil || status.Kind != "Status" {
		return metav1.Status{}, false
	}
	return status, true
}

func reasonForCode(code int) metav1.StatusReason {
	switch code {
	case http.StatusUnauthorized:
		return metav1.StatusReasonUnauthorized
	case http.StatusForbidden:
		return metav1.StatusReasonForbidden
	case http.StatusNotFound:
		return metav1.StatusReasonNotFound
	case http.StatusConflict:
		return metav1.StatusReasonConflict
	case http.StatusGone:
		return metav1.StatusReasonGone
	case http.StatusUnprocessableEntity:
		return metav1.StatusReasonInvalid
	case http.StatusTooManyRequests:
		return metav1.StatusReasonTooManyRequests
	case http.StatusMethodNotAllowed:
		return metav1.StatusReasonMethodNotAllowed
	case http.StatusBadRequest:
		return metav1.StatusReasonBadRequest
	case http.StatusGatewayTimeout:
		return metav1.StatusReasonTimeout
	}
	if code >= 500 {
		return metav1.StatusReasonInternalError
	}
	return metav1.StatusReasonUnknown
}

// Reason returns the machine-readable reason for the failure.
func (e *APIError) Reason() metav1.StatusReason {
	return e.Status().Reason
}
