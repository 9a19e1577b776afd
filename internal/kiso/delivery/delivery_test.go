package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/delivery"
)

func TestDeliverSucceedsFirstAttempt(t *testing.T) {
	var received delivery.Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := delivery.New(2 * time.Second)
	result := d.Deliver(context.Background(), server.URL, delivery.Payload{
		Session: "s1", TaskID: 7, Type: "msg", Content: "hi", Final: true,
	})

	if !result.Delivered {
		t.Fatalf("expected delivery to succeed, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if received.Session != "s1" || received.TaskID != 7 || !received.Final {
		t.Errorf("server received %+v", received)
	}
}

func TestDeliverRetriesOnFailureThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := delivery.New(2 * time.Second)
	start := time.Now()
	result := d.Deliver(context.Background(), server.URL, delivery.Payload{Session: "s1", TaskID: 1, Type: "msg", Content: "x"})
	elapsed := time.Since(start)

	if !result.Delivered {
		t.Fatalf("expected eventual delivery, got %+v", result)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if elapsed < 900*time.Millisecond {
		t.Errorf("elapsed %s, want at least the first 1s backoff", elapsed)
	}
}

func TestDeliverGivesUpWhenContextExpires(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := delivery.New(1 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	result := d.Deliver(ctx, server.URL, delivery.Payload{Session: "s1", TaskID: 1, Type: "msg", Content: "x"})
	if result.Delivered {
		t.Fatalf("expected delivery to fail, got %+v", result)
	}
}

func TestDeliverUnreachableHostDoesNotPanic(t *testing.T) {
	d := delivery.New(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	result := d.Deliver(ctx, "http://127.0.0.1:1", delivery.Payload{Session: "s1", TaskID: 1, Type: "msg", Content: "x"})
	if result.Delivered {
		t.Errorf("expected delivery to an unreachable host to fail")
	}
}
