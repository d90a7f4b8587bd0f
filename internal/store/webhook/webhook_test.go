package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentsh/cmdgate/pkg/types"
)

func entry(id string) types.AuditEntry {
	return types.AuditEntry{ID: id, Timestamp: time.Now().UTC(), Operation: types.OpCommandExecution, Severity: types.SeverityInfo}
}

func TestStore_FlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	var got [][]types.AuditEntry

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing custom header")
		}
		var batch []types.AuditEntry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st, err := New(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour, Headers: map[string]string{"X-Token": "secret"}})
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"1", "2", "3"} {
		if err := st.AppendEntry(context.Background(), entry(id)); err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected 1 batch of 2, got %#v", got)
	}
	mu.Unlock()

	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[1][0].ID != "3" {
		t.Fatalf("Close must flush the remainder, got %#v", got)
	}
	if err := st.AppendEntry(context.Background(), entry("4")); err == nil {
		t.Error("append after Close must fail")
	}
}

func TestStore_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st, _ := New(Config{URL: srv.URL, BatchSize: 1, MaxRetries: 5, InitialInterval: time.Millisecond})
	defer st.Close()

	if err := st.AppendEntry(context.Background(), entry("1")); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestStore_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	st, _ := New(Config{URL: srv.URL, BatchSize: 1, MaxRetries: 5, InitialInterval: time.Millisecond})
	defer st.Close()

	if err := st.AppendEntry(context.Background(), entry("1")); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry on 400", calls.Load())
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
