package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/containerd/errdefs"
)

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{0, KindNetwork},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindBusiness},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}
	for _, tc := range cases {
		if got := KindForStatus(tc.status); got != tc.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestErrorMatchesErrdefs(t *testing.T) {
	err := fmt.Errorf("get session: %w", FromStatus("chat.GetSession", http.StatusNotFound, "session not found"))

	if !errdefs.IsNotFound(err) {
		t.Fatal("expected errdefs.IsNotFound to match")
	}
	if errdefs.IsUnauthorized(err) {
		t.Fatal("did not expect unauthorized match")
	}
	if !Is(err, KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", KindOf(err))
	}
	if got := Message(err); got != "session not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNetworkKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Network("backend.Do", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if !errdefs.IsUnavailable(err) {
		t.Fatal("expected network error to be unavailable")
	}
	if err.Error() != "backend.Do: connection refused" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}

func TestBusinessAndValidation(t *testing.T) {
	if !errdefs.IsFailedPrecondition(Business("op", "already signed in")) {
		t.Error("expected business error to be a failed precondition")
	}
	if !errdefs.IsInvalidArgument(Validation("op", "bad id")) {
		t.Error("expected validation error to be an invalid argument")
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("expected unclassified error to have zero kind")
	}
}
