package timesync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSyncMeasuresSkew(t *testing.T) {
	t.Parallel()
	// Reference reports a time one minute ahead of the local clock.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ahead := time.Now().Add(time.Minute).UTC()
		fmt.Fprintf(w, `{"utc_datetime": %q, "unixtime": %d}`, ahead.Format(time.RFC3339Nano), ahead.Unix())
	}))
	defer srv.Close()

	s := New(srv.URL, 3*time.Second, nil)
	res := s.Sync(context.Background())

	if res.Skew < 55*time.Second || res.Skew > 65*time.Second {
		t.Fatalf("Skew = %v, want ~1m", res.Skew)
	}
	if res.Latency <= 0 {
		t.Fatalf("Latency = %v, want > 0", res.Latency)
	}
}

func TestSyncUnixtimeFallback(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"unixtime": %d}`, time.Now().Unix())
	}))
	defer srv.Close()

	s := New(srv.URL, 3*time.Second, nil)
	res := s.Sync(context.Background())

	// Unixtime has second granularity, so allow a wide band around zero.
	if res.Skew < -2*time.Second || res.Skew > 2*time.Second {
		t.Fatalf("Skew = %v, want ~0", res.Skew)
	}
}

func TestSyncDegradesToZeroSkew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		url  func() (string, func())
	}{
		{
			name: "unreachable reference",
			url: func() (string, func()) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
				srv.Close()
				return srv.URL, func() {}
			},
		},
		{
			name: "non-200 status",
			url: func() (string, func()) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusServiceUnavailable)
				}))
				return srv.URL, srv.Close
			},
		},
		{
			name: "garbage body",
			url: func() (string, func()) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					fmt.Fprint(w, "not json")
				}))
				return srv.URL, srv.Close
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url, cleanup := tt.url()
			defer cleanup()

			s := New(url, time.Second, nil)
			res := s.Sync(context.Background())
			if res.Skew != 0 || res.Latency != 0 {
				t.Fatalf("expected zero result on failure, got %+v", res)
			}
		})
	}
}
