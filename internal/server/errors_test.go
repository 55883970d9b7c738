package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/lazypower/mnemo/internal/model"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", model.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("missing: %w", model.ErrNotFound), http.StatusNotFound},
		{model.ErrConcurrentConsolidation, http.StatusConflict},
		{fmt.Errorf("session s1: %w", model.ErrSessionClosed), http.StatusConflict},
		{fmt.Errorf("session s1: %w", model.ErrPrivacyBudgetExceeded), http.StatusForbidden},
		{model.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if r := model.ReasonFor(fmt.Errorf("x: %w", model.ErrSessionClosed)); r != model.ReasonSessionClosed {
		t.Errorf("reason = %q, want %q", r, model.ReasonSessionClosed)
	}
}
