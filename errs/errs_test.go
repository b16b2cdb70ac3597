package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	err := New(
		"orders",
		CodeConflict,
		WithStatusCode(-7001),
		WithMessage(" duplicate order id "),
		WithField("orderId", "42"),
		WithField("market", "SSE"),
		WithField("  ", "ignored"),
		WithCause(errors.New("already exists")),
	)

	want := `orders: conflict -7001: duplicate order id [market="SSE" orderId="42"]: already exists`
	if got := err.Error(); got != want {
		t.Fatalf("unexpected rendering\n got: %s\nwant: %s", got, want)
	}
}

func TestErrorRenderingDefaults(t *testing.T) {
	if got := New("", "").Error(); got != "unknown: unknown" {
		t.Fatalf("unexpected rendering %q", got)
	}
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestWithFieldLastWins(t *testing.T) {
	err := New("counterstore", CodeUnavailable,
		WithField("backend", "badger"),
		WithField("backend", "redis"))
	if got := err.Fields["backend"]; got != "redis" {
		t.Fatalf("expected latest field to win, got %q", got)
	}
}

func TestStatusCodeExtraction(t *testing.T) {
	base := New("orders", CodeNotFound, WithStatusCode(-7002))
	wrapped := fmt.Errorf("remove: %w", base)
	if got := StatusCode(wrapped, -1); got != -7002 {
		t.Fatalf("expected -7002, got %d", got)
	}
	if got := StatusCode(errors.New("plain"), -1); got != -1 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if !HasCode(wrapped, CodeNotFound) {
		t.Fatalf("expected wrapped error to carry not_found code")
	}
	if HasCode(wrapped, CodeConflict) {
		t.Fatalf("unexpected conflict code")
	}
}

func TestIsMatchesCodeAndComponent(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New("flowctrl", CodeInvalid))
	if !errors.Is(err, New("flowctrl", CodeInvalid)) {
		t.Fatalf("expected errors.Is to match same component and code")
	}
	if !errors.Is(err, New("", CodeInvalid)) {
		t.Fatalf("expected errors.Is to match code when component empty")
	}
	if errors.Is(err, New("orders", CodeInvalid)) {
		t.Fatalf("unexpected match across components")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New("rules", CodeInvalid), http.StatusBadRequest},
		{fmt.Errorf("get: %w", New("rules", CodeNotFound)), http.StatusNotFound},
		{New("rules", CodeConflict), http.StatusConflict},
		{New("postgres", CodeUnavailable), http.StatusServiceUnavailable},
		{New("postgres", CodeInternal), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
