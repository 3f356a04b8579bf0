package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	if err := json.Unmarshal([]byte("{"), &struct{}{}); err != nil {
		syntaxErr = err
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"deadline", fmt.Errorf("mark dirty: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"lock timeout", fmt.Errorf("lock: %w", &pgconn.PgError{Code: "55P03"}), true, "db_contention"},
		{"connection", &pgconn.PgError{Code: "08006"}, true, "db_connection_error"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			if retryable != tt.retryable || kind != tt.kind {
				t.Fatalf("IsRetryableError(%v) = (%v, %q), want (%v, %q)", tt.err, retryable, kind, tt.retryable, tt.kind)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 3, false) {
		t.Fatal("non-retryable error must not be retried")
	}
	if !ShouldRetry(3, 3, true) {
		t.Fatal("retry count at the limit should still retry")
	}
	if ShouldRetry(4, 3, true) {
		t.Fatal("retry count above the limit must stop")
	}
}
