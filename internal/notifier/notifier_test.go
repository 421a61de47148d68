package notifier

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestNotifier(t *testing.T, handler http.HandlerFunc) (*TelegramNotifier, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n := NewTelegramNotifier("test-token", "42", "", 3, 0)
	n.apiBase = srv.URL
	return n, srv
}

func TestTelegramSend(t *testing.T) {
	var gotPath, gotChat, gotText string
	n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotChat = r.FormValue("chat_id")
		gotText = r.FormValue("text")
	})

	if err := n.Send("strategy halted"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotChat != "42" || gotText != "strategy halted" {
		t.Errorf("form = chat_id %q text %q", gotChat, gotText)
	}
}

func TestTelegramSendTruncatesLongMessages(t *testing.T) {
	var gotLen int
	n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotLen = len(r.FormValue("text"))
	})

	if err := n.Send(strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotLen != telegramMessageLimit {
		t.Errorf("sent %d chars, want %d", gotLen, telegramMessageLimit)
	}
}

func TestTelegramSendRejectsBadStatus(t *testing.T) {
	n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	})

	err := n.Send("hello")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want a 429 failure", err)
	}
}

func TestTelegramSendWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	})

	if err := n.SendWithRetry("hello"); err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestTelegramSendWithRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	err := n.SendWithRetry("hello")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err = %v, want exhaustion after 3 attempts", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryWithNotification(t *testing.T) {
	t.Run("stops once the action succeeds", func(t *testing.T) {
		var sends atomic.Int32
		n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
			sends.Add(1)
		})

		attempts := 0
		err := n.RetryWithNotification(func() error {
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			return nil
		}, "close position")
		if err != nil {
			t.Fatalf("RetryWithNotification: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
		if sends.Load() != 0 {
			t.Errorf("success must not notify, got %d sends", sends.Load())
		}
	})

	t.Run("reports permanent failure to the chat", func(t *testing.T) {
		var lastText string
		n, _ := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			lastText = r.FormValue("text")
		})

		boom := errors.New("boom")
		err := n.RetryWithNotification(func() error { return boom }, "close position")
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want the action error", err)
		}
		if !strings.Contains(lastText, "close position failed after 3 attempts") {
			t.Errorf("notification = %q", lastText)
		}
	})
}
