package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"section-notifier/pkg/notifier"
)

func newTestServer(t *testing.T, submitted *atomic.Value) *httptest.Server {
	t.Helper()
	search, err := os.ReadFile("testdata/search.html")
	if err != nil {
		t.Fatal(err)
	}
	sections, err := os.ReadFile("testdata/sections.html")
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(search)
	})
	mux.HandleFunc("/WebAdvisor/WebAdvisor", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		submitted.Store(r.PostForm)
		_, _ = w.Write(sections)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchAvailability(t *testing.T) {
	var submitted atomic.Value
	srv := newTestServer(t, &submitted)
	s := New(&http.Client{Timeout: 5 * time.Second}, srv.URL+"/search", "F20", testLogger())

	snap, err := s.FetchAvailability(context.Background(), []notifier.ItemID{"CIS*3260"})
	if err != nil {
		t.Fatalf("FetchAvailability: %v", err)
	}

	want := []notifier.Record{
		{"Open", "CIS*3260*02 (7746) Software Design IV", "Guelph", "3 / 180"},
		{"Open", "CIS*3260*03 (7747) Software Design IV", "12 / 60"},
	}
	if got := snap["CIS*3260"]; !reflect.DeepEqual(got, want) {
		t.Errorf("records = %q, want %q", got, want)
	}

	form, ok := submitted.Load().(url.Values)
	if !ok {
		t.Fatal("search form was not submitted")
	}
	checks := map[string]string{
		"VAR1":        "F20",
		"LIST.VAR1_1": "CIS",
		"LIST.VAR3_1": "3260",
		"RETURN.URL":  "https://webadvisor.example/return",
	}
	for k, v := range checks {
		if got := form[k]; len(got) != 1 || got[0] != v {
			t.Errorf("form[%s] = %v, want %q", k, got, v)
		}
	}
	if _, ok := form["VAR6"]; ok {
		t.Error("unchecked checkbox should not be submitted")
	}
}

func TestFetchAvailabilityForbiddenIsScrapeError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := New(srv.Client(), srv.URL, "F20", testLogger())
	_, err := s.FetchAvailability(context.Background(), []notifier.ItemID{"CIS*3260"})
	if !notifier.IsScrapeError(err) {
		t.Fatalf("err = %v, want ScrapeError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (403 is not retried)", n)
	}
}

func TestFetchAvailabilityMalformedItem(t *testing.T) {
	s := New(http.DefaultClient, "http://127.0.0.1:0", "F20", testLogger())
	_, err := s.FetchAvailability(context.Background(), []notifier.ItemID{"CIS3260"})
	if !notifier.IsScrapeError(err) {
		t.Errorf("err = %v, want ScrapeError", err)
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want notifier.Record
	}{
		{"single", "Open", notifier.Record{"Open"}},
		{"blank lines", "Open\n\nCIS*3260*01\n\n\n  Guelph  ", notifier.Record{"Open", "CIS*3260*01", "Guelph"}},
		{"whitespace only separator", "a\n \t\nb", notifier.Record{"a", "b"}},
		{"single newline kept", "a\nb", notifier.Record{"a\nb"}},
		{"empty", "  \n\n  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRecord(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRecord(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string][]string{
		"cis*3260": {"Open\n\nCIS*3260*01"},
		"CIS*2500": {},
	})
	snap, err := s.FetchAvailability(context.Background(), []notifier.ItemID{"CIS*3260", "CIS*2500", "CIS*1300"})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap["CIS*3260"]) != 1 {
		t.Errorf("CIS*3260 = %v", snap["CIS*3260"])
	}
	if len(snap["CIS*2500"]) != 0 || len(snap["CIS*1300"]) != 0 {
		t.Errorf("closed items should have no records: %v", snap)
	}
}
