package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentity_ReadsConfiguredHeader(t *testing.T) {
	id := NewIdentity("X-Tenant")

	r := httptest.NewRequest(http.MethodGet, "http://example/v1", nil)
	r.Header.Set("X-Tenant", " 84197 ")

	got, ok := id.Project(r)
	if !ok || got != "84197" {
		t.Fatalf("expected project 84197, got %q ok=%v", got, ok)
	}
}

func TestIdentity_DefaultsHeader(t *testing.T) {
	id := NewIdentity("")
	if id.Header() != DefaultHeader {
		t.Fatalf("expected %s, got %s", DefaultHeader, id.Header())
	}

	r := httptest.NewRequest(http.MethodGet, "http://example/v1", nil)
	r.Header.Set("X-Project-ID", "1234")
	if got, ok := id.Project(r); !ok || got != "1234" {
		t.Fatalf("expected project 1234, got %q ok=%v", got, ok)
	}
}

func TestIdentity_MissingOrBlank(t *testing.T) {
	id := NewIdentity("")

	r := httptest.NewRequest(http.MethodGet, "http://example/v1", nil)
	if _, ok := id.Project(r); ok {
		t.Fatalf("expected missing header to be absent")
	}

	r.Header.Set(DefaultHeader, "   ")
	if _, ok := id.Project(r); ok {
		t.Fatalf("expected blank header to be absent")
	}
}

func TestProjectContext(t *testing.T) {
	if _, ok := ProjectFrom(context.Background()); ok {
		t.Fatalf("expected no project in empty context")
	}
	ctx := WithProject(context.Background(), "P1")
	if got, ok := ProjectFrom(ctx); !ok || got != "P1" {
		t.Fatalf("expected P1, got %q ok=%v", got, ok)
	}
}
