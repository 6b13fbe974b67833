package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffRetryPolicy(t *testing.T) {
	policy := &ExponentialBackoffRetryPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	}

	tests := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := policy.GetDelay(tt.attempt); got != tt.delay {
			t.Errorf("GetDelay(%d) = %v, want %v", tt.attempt, got, tt.delay)
		}
	}

	boom := errors.New("boom")
	if !policy.ShouldRetry(2, boom) || policy.ShouldRetry(3, boom) || policy.ShouldRetry(1, nil) {
		t.Error("unexpected ShouldRetry result")
	}
}

func TestWithRetry(t *testing.T) {
	policy := &ExponentialBackoffRetryPolicy{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}

	calls := 0
	handler := WithRetry(policy, func(ctx context.Context, msg *Message) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err := handler(context.Background(), &Message{Subject: "a"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	calls = 0
	failing := WithRetry(policy, func(ctx context.Context, msg *Message) error {
		calls++
		return errors.New("permanent")
	})
	if err := failing(context.Background(), &Message{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestMessage_Header(t *testing.T) {
	var nilMsg *Message
	if nilMsg.Header("x") != "" {
		t.Error("nil message must return empty header")
	}
	msg := &Message{Headers: map[string]string{"content-type": "application/json"}}
	if msg.Header("content-type") != "application/json" {
		t.Error("unexpected header value")
	}
}
