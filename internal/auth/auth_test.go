package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndResolve(t *testing.T) {
	a := New("secret", time.Hour)
	tok, err := a.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}
	uid, err := a.Resolve(tok)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if uid != "u1" {
		t.Errorf("uid = %q, want u1", uid)
	}
}

func TestResolveRejects(t *testing.T) {
	a := New("secret", time.Hour)
	other, _ := New("other", time.Hour).Issue("u1")

	expired := New("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("u1")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", other},
		{"expired", old},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Resolve(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Resolve() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := FromRequest(r); got != "q" {
		t.Errorf("query token = %q, want q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := FromRequest(r); got != "h" {
		t.Errorf("header token = %q, want h", got)
	}
}
