package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"
	ErrorCodeUnauthorized         = "UNAUTHORIZED"
	ErrorCodeForbidden            = "FORBIDDEN"
	ErrorCodeRateLimited          = "RATE_LIMITED"
	ErrorCodeOrderNotFound        = "ORDER_NOT_FOUND"
	ErrorCodeOrderNotOpen         = "ORDER_NOT_OPEN"
	ErrorCodeBelowMinimum         = "BELOW_MINIMUM"
	ErrorCodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ErrorCodeAwaitingNotFound     = "AWAITING_NOT_FOUND"
	ErrorCodeInvalidState         = "INVALID_STATE"
	ErrorCodeInternalError        = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeOrderNotFound, ErrorCodeAwaitingNotFound:
		return http.StatusNotFound
	case ErrorCodeOrderNotOpen, ErrorCodeInvalidState, ErrorCodeInsufficientCapacity:
		return http.StatusConflict
	case ErrorCodeBelowMinimum:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
