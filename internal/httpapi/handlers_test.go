package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"valuationd/internal/orchestrator"
	"valuationd/internal/queue"
	"valuationd/internal/snapshot"
	"valuationd/internal/statemachine"
)

func TestHTTPStatusForErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", orchestrator.ErrValidation, http.StatusBadRequest},
		{"run_conflict", orchestrator.ErrConflict, http.StatusConflict},
		{"run_notfound", orchestrator.ErrNotFound, http.StatusNotFound},
		{"snapshot_notfound", snapshot.ErrNotFound, http.StatusNotFound},
		{"snapshot_conflict", snapshot.ErrConflict, http.StatusConflict},
		{"queue_notfound", queue.ErrNotFound, http.StatusNotFound},
		{"statemachine_notfound", statemachine.ErrNotFound, http.StatusNotFound},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, http.StatusRequestTimeout},
		{"other", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := httpStatusForErr(tc.err)
			if got != tc.want {
				t.Fatalf("got %d want %d", got, tc.want)
			}
		})
	}
}

func TestPublicErrMessage_HidesInternalsOn5xx(t *testing.T) {
	err := errors.New("db connection string leaked")
	if msg := publicErrMessage(http.StatusInternalServerError, err); msg != "internal error" {
		t.Fatalf("got %q, want generic message", msg)
	}
	if msg := publicErrMessage(http.StatusBadRequest, err); msg != err.Error() {
		t.Fatalf("got %q, want passthrough", msg)
	}
}
