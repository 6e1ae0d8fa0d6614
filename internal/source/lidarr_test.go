package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLidarrClient(t *testing.T, handler http.Handler) *LidarrClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewLidarrClient(srv.URL, "test-key", true)
	c.pollInterval = 2 * time.Millisecond
	c.grabTimeout = 250 * time.Millisecond
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestLidarrSearch_CandidateID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/album", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"id": 7}})
	})
	mux.HandleFunc("/api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"guid":      "magnet:?xt=urn:btih:abc",
			"indexerId": 3,
			"title":     "Blue Train [FLAC]",
			"size":      int64(500_000_000),
			"seeders":   12,
			"quality":   map[string]any{"quality": map[string]any{"name": "FLAC"}},
		}})
	})
	c := testLidarrClient(t, mux)

	candidates, err := c.Search(context.Background(), Target{Key: "mbid-1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	// The guid goes last: it may contain colons itself.
	if candidates[0].ID != "7:3:magnet:?xt=urn:btih:abc" {
		t.Errorf("candidate ID = %q, want album and indexer ids leading the guid", candidates[0].ID)
	}
	if candidates[0].Format != "flac" {
		t.Errorf("Format = %s, want flac", candidates[0].Format)
	}
}

// TestLidarrFetch_QueueRoundTrip verifies absence from the queue only
// counts as import completion after the item has been observed there.
func TestLidarrFetch_QueueRoundTrip(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		records := []map[string]any{}
		// The grab reaches the queue on the second poll and leaves it
		// on the third.
		if atomic.AddInt32(&polls, 1) == 2 {
			records = append(records, map[string]any{
				"albumId": 7, "status": "downloading", "size": int64(1000), "sizeleft": int64(400),
			})
		}
		writeJSON(w, map[string]any{"records": records})
	})
	mux.HandleFunc("/api/v1/history/album", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	c := testLidarrClient(t, mux)

	var lastReceived int64
	err := c.Fetch(context.Background(), Candidate{ID: "7:3:guid-1", SizeBytes: 1000}, func(received, total int64) {
		atomic.StoreInt64(&lastReceived, received)
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n := atomic.LoadInt32(&polls); n < 3 {
		t.Errorf("completed after %d queue polls, want the item observed before absence counts", n)
	}
	if got := atomic.LoadInt64(&lastReceived); got != 1000 {
		t.Errorf("final progress = %d, want 1000", got)
	}
}

// TestLidarrFetch_FastImportConfirmedByHistory verifies a grab that is
// imported before its first queue sighting completes through the
// history check rather than bare queue absence.
func TestLidarrFetch_FastImportConfirmedByHistory(t *testing.T) {
	var historyCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"records": []map[string]any{}})
	})
	mux.HandleFunc("/api/v1/history/album", func(w http.ResponseWriter, r *http.Request) {
		records := []map[string]any{}
		if atomic.AddInt32(&historyCalls, 1) >= 2 {
			records = append(records, map[string]any{"eventType": "trackFileImported"})
		}
		writeJSON(w, records)
	})
	c := testLidarrClient(t, mux)

	err := c.Fetch(context.Background(), Candidate{ID: "7:3:guid-1", SizeBytes: 1000}, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if n := atomic.LoadInt32(&historyCalls); n < 2 {
		t.Errorf("history consulted %d times, want at least 2", n)
	}
}

// TestLidarrFetch_IgnoresOtherAlbums verifies an unrelated queue item
// neither matches nor makes the grab look imported.
func TestLidarrFetch_IgnoresOtherAlbums(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"records": []map[string]any{
			{"albumId": 99, "status": "downloading", "size": int64(1000), "sizeleft": int64(500)},
		}})
	})
	mux.HandleFunc("/api/v1/history/album", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	c := testLidarrClient(t, mux)

	err := c.Fetch(context.Background(), Candidate{ID: "7:3:guid-1", SizeBytes: 1000}, nil)
	if err == nil {
		t.Fatal("Fetch succeeded with no transfer for the album")
	}
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient grab timeout", err)
	}
}

func TestLidarrFetch_FailedQueueItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"records": []map[string]any{
			{"albumId": 7, "status": "failed", "size": int64(1000), "sizeleft": int64(800)},
		}})
	})
	c := testLidarrClient(t, mux)

	err := c.Fetch(context.Background(), Candidate{ID: "7:3:guid-1", SizeBytes: 1000}, nil)
	if err == nil {
		t.Fatal("Fetch succeeded on a failed queue item")
	}
	if IsTransient(err) {
		t.Errorf("err = %v, want definitive candidate failure", err)
	}
}

func TestLidarrFetch_MalformedCandidateID(t *testing.T) {
	c := NewLidarrClient("http://localhost", "key", true)

	if err := c.Fetch(context.Background(), Candidate{ID: "no-separators"}, nil); err == nil {
		t.Error("expected error for candidate id without album and indexer ids")
	}
	if err := c.Fetch(context.Background(), Candidate{ID: "x:3:guid"}, nil); err == nil {
		t.Error("expected error for non-numeric album id")
	}
}
