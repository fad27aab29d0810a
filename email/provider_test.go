package email

import (
	"context"
	"errors"
	"testing"

	"section-notifier/pkg/notifier"
)

type recordingProvider struct {
	result *Result
	err    error
	sent   []*Message
}

func (p *recordingProvider) Send(_ context.Context, msg *Message) (*Result, error) {
	p.sent = append(p.sent, msg)
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return acceptAll(msg), nil
}

func TestSendNoticeBlindUsesBcc(t *testing.T) {
	p := &recordingProvider{}
	s := testSender(p)

	notice := &notifier.Notice{
		Items:      []notifier.ItemID{"CIS*3260"},
		Records:    map[notifier.ItemID][]notifier.Record{"CIS*3260": {{"CIS*3260*01"}}},
		Recipients: []string{"a@example.com", "b@example.com"},
		Blind:      true,
	}
	out, err := s.SendNotice(context.Background(), notice)
	if err != nil {
		t.Fatalf("SendNotice: %v", err)
	}

	msg := p.sent[0]
	if len(msg.To) != 1 || msg.To[0] != "ops@example.com" {
		t.Errorf("To = %v, want operator only", msg.To)
	}
	if len(msg.Bcc) != 2 {
		t.Errorf("Bcc = %v, want both subscribers", msg.Bcc)
	}
	// The operator comes back in Accepted; the dispatcher filters it.
	if len(out.Accepted) != 3 {
		t.Errorf("Accepted = %v, want operator plus 2", out.Accepted)
	}
}

func TestSendNoticeDirect(t *testing.T) {
	p := &recordingProvider{result: &Result{Rejected: []string{"u3@example.com"}}}
	s := testSender(p)

	out, err := s.SendNotice(context.Background(), &notifier.Notice{
		Items:      []notifier.ItemID{"CIS*3260"},
		Recipients: []string{"u3@example.com"},
	})
	if err != nil {
		t.Fatalf("SendNotice: %v", err)
	}
	if len(p.sent[0].Bcc) != 0 || p.sent[0].To[0] != "u3@example.com" {
		t.Errorf("direct notice should address the subscriber, got To=%v Bcc=%v", p.sent[0].To, p.sent[0].Bcc)
	}
	if len(out.Rejected) != 1 {
		t.Errorf("Rejected = %v", out.Rejected)
	}
}

func TestSendNoticeTransportFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := testSender(&recordingProvider{err: boom})

	_, err := s.SendNotice(context.Background(), &notifier.Notice{Recipients: []string{"a@example.com"}})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestSendWelcomeRejected(t *testing.T) {
	s := testSender(&recordingProvider{result: &Result{Rejected: []string{"a@example.com"}}})

	err := s.SendWelcome(context.Background(), "a@example.com", []notifier.ItemID{"CIS*3260"})
	if !notifier.IsTransportError(err) {
		t.Errorf("err = %v, want TransportError", err)
	}
}

func TestMockProviderAcceptsAll(t *testing.T) {
	s := testSender(nil)
	res, err := NewMockProvider(s.logger).Send(context.Background(), &Message{
		To:  []string{"ops@example.com"},
		Bcc: []string{"a@example.com"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Accepted) != 2 || len(res.Rejected) != 0 {
		t.Errorf("result = %+v", res)
	}
}
