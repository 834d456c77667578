package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   PageState
	}{
		{name: "closed banner", status: 200, body: "<h1>Summer Camp</h1> Registration closed", want: StateClosed},
		{name: "sold out", status: 200, body: "SOLD OUT - check back next season", want: StateClosed},
		{name: "closed wins over open on same page", status: 200, body: "Register now! (registration closed)", want: StateClosed},
		{name: "open banner", status: 200, body: "Spots available, register now", want: StateOpen},
		{name: "bare 200 is weak open", status: 200, body: "<html><body>Camp page</body></html>", want: StateOpen},
		{name: "500 with no indicators", status: 500, body: "internal error", want: StateUnknown},
		{name: "404", status: 404, body: "not found", want: StateUnknown},
		{name: "case insensitive", status: 200, body: "REGISTRATION IS OPEN", want: StateOpen},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.status, tt.body); got != tt.want {
				t.Fatalf("Classify(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestCheckFetchesAndClassifies(t *testing.T) {
	t.Parallel()
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, "Enroll now for fall sessions")
	}))
	defer srv.Close()

	p := NewPageChecker(2*time.Second, "slotline-test/1.0", nil)
	if got := p.Check(context.Background(), srv.URL); got != StateOpen {
		t.Fatalf("Check = %v, want open", got)
	}
	if gotUA != "slotline-test/1.0" {
		t.Fatalf("User-Agent = %q, want descriptive identifier", gotUA)
	}
}

func TestCheckFetchFailureIsUnknown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	p := NewPageChecker(time.Second, "slotline-test/1.0", nil)
	if got := p.Check(context.Background(), srv.URL); got != StateUnknown {
		t.Fatalf("Check = %v, want unknown on fetch failure", got)
	}
}
