package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "secret" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<abc@smtp-relay.mailin.fr>"}`))
	}))
	defer srv.Close()

	b := NewBrevoProvider("secret", "Section Notifier", testSender(nil).logger)
	b.endpoint = srv.URL

	res, err := b.Send(context.Background(), &Message{
		From:     "ops@example.com",
		To:       []string{"ops@example.com"},
		Bcc:      []string{"a@example.com"},
		Subject:  "CIS*3260 has open sections",
		HTMLBody: "<p>open</p>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Accepted) != 2 {
		t.Errorf("Accepted = %v", res.Accepted)
	}
	if len(got.Bcc) != 1 || got.Bcc[0].Email != "a@example.com" {
		t.Errorf("bcc = %+v", got.Bcc)
	}
	if got.Sender.Name != "Section Notifier" {
		t.Errorf("sender = %+v", got.Sender)
	}
}

func TestBrevoClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_parameter","message":"email is not valid in to"}`))
	}))
	defer srv.Close()

	b := NewBrevoProvider("secret", "", testSender(nil).logger)
	b.endpoint = srv.URL

	_, err := b.Send(context.Background(), &Message{To: []string{"a@example.com"}})
	if err == nil || !strings.Contains(err.Error(), "invalid_parameter") {
		t.Fatalf("Send() error = %v, want invalid_parameter", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
