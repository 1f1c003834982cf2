package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type received struct {
	body      []byte
	signature string
	eventType string
}

func newSubscriber(t *testing.T) (*httptest.Server, func() []received) {
	t.Helper()

	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Worklane-Signature"),
			eventType: r.Header.Get("X-Worklane-Event"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchDeliversToSubscriber(t *testing.T) {
	srv, deliveries := newSubscriber(t)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID:     "sub_1",
		UserID: "seller-1",
		URL:    srv.URL,
		Events: []EventType{EventEscrowReleased},
		Active: true,
	})

	d := NewDispatcher(store, nil)
	d.Publish(context.Background(), string(EventEscrowReleased), "ord_1", map[string]any{"earnings": "90.00"})

	waitFor(t, func() bool { return len(deliveries()) == 1 })

	got := deliveries()[0]
	if got.eventType != string(EventEscrowReleased) {
		t.Errorf("expected event header, got %q", got.eventType)
	}

	var ev Event
	if err := json.Unmarshal(got.body, &ev); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if ev.OrderID != "ord_1" {
		t.Errorf("expected orderId ord_1, got %s", ev.OrderID)
	}

	// Success should be recorded on the subscription.
	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastSuccess != nil
	})
}

func TestDispatchSignsPayload(t *testing.T) {
	srv, deliveries := newSubscriber(t)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID:     "sub_1",
		UserID: "seller-1",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{EventEscrowReleased},
		Active: true,
	})

	d := NewDispatcher(store, nil)
	d.Publish(context.Background(), string(EventEscrowReleased), "ord_1", nil)

	waitFor(t, func() bool { return len(deliveries()) == 1 })

	got := deliveries()[0]
	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(got.body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if got.signature != expected {
		t.Errorf("signature mismatch: got %s want %s", got.signature, expected)
	}
}

func TestDispatchSkipsInactiveAndUnrelated(t *testing.T) {
	srv, deliveries := newSubscriber(t)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_inactive", UserID: "u1", URL: srv.URL,
		Events: []EventType{EventEscrowReleased}, Active: false,
	})
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_other", UserID: "u2", URL: srv.URL,
		Events: []EventType{EventOrderDisputed}, Active: true,
	})

	d := NewDispatcher(store, nil)
	d.Publish(context.Background(), string(EventEscrowReleased), "ord_1", nil)

	time.Sleep(100 * time.Millisecond)
	if n := len(deliveries()); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}

func TestDispatchRecordsEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", UserID: "u1", URL: srv.URL,
		Events: []EventType{EventEscrowRefunded}, Active: true,
	})

	d := NewDispatcher(store, nil).WithRetry(1, 0)
	d.Publish(context.Background(), string(EventEscrowRefunded), "ord_1", nil)

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastError != ""
	})
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_1", UserID: "u1", URL: srv.URL,
		Events: []EventType{EventEscrowReleased}, Active: true,
	})

	d := NewDispatcher(store, nil).WithRetry(3, time.Millisecond)
	d.Publish(context.Background(), string(EventEscrowReleased), "ord_1", nil)

	waitFor(t, func() bool {
		sub, _ := store.Get(context.Background(), "sub_1")
		return sub.LastSuccess != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDispatchToUser(t *testing.T) {
	srv, deliveries := newSubscriber(t)

	store := NewMemoryStore()
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_mine", UserID: "seller-1", URL: srv.URL,
		Events: []EventType{EventEscrowReleased}, Active: true,
	})
	_ = store.Create(context.Background(), &Subscription{
		ID: "sub_theirs", UserID: "seller-2", URL: srv.URL,
		Events: []EventType{EventEscrowReleased}, Active: true,
	})

	d := NewDispatcher(store, nil)
	ev := &Event{ID: "evt_1", Type: EventEscrowReleased, OrderID: "ord_1", Timestamp: time.Now()}
	if err := d.DispatchToUser(context.Background(), "seller-1", ev); err != nil {
		t.Fatalf("DispatchToUser failed: %v", err)
	}

	waitFor(t, func() bool { return len(deliveries()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(deliveries()); n != 1 {
		t.Errorf("expected exactly one delivery, got %d", n)
	}
}
