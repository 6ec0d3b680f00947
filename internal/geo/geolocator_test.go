package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLookupSkipsStartAddress(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	g := New("", "seed.example.org")
	g.baseURL = srv.URL

	if loc := g.Lookup(context.Background(), "seed.example.org"); loc != "" {
		t.Fatalf("expected empty location for start address, got %q", loc)
	}
	if hits != 0 {
		t.Fatalf("expected no HTTP calls for the start address, got %d", hits)
	}
}

func TestLookupMemoizesSuccessAndSkipsSecondCall(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"latitude":"51.5","longitude":"-0.12"}`))
	}))
	defer srv.Close()

	g := New("key", "seed.example.org")
	g.baseURL = srv.URL

	for i := 0; i < 2; i++ {
		loc := g.Lookup(context.Background(), "203.0.113.9")
		if loc != "51.5,-0.12" {
			t.Fatalf("got %q", loc)
		}
	}
	if hits != 1 {
		t.Fatalf("expected exactly one HTTP call due to memoization, got %d", hits)
	}
}

func TestLookupMemoizesNegativeResultOnMalformedResponse(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := New("key", "seed.example.org")
	g.baseURL = srv.URL

	for i := 0; i < 3; i++ {
		if loc := g.Lookup(context.Background(), "203.0.113.10"); loc != "" {
			t.Fatalf("got %q", loc)
		}
	}
	// A malformed-but-200 response is not retried within one fetch, and the
	// empty-string sentinel is cached, so only one request total is expected.
	if hits != 1 {
		t.Fatalf("expected the negative result to be cached, got %d HTTP calls", hits)
	}
}

func TestLookupRetriesNon200ThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"latitude":"1.0","longitude":"2.0"}`))
	}))
	defer srv.Close()

	g := New("key", "seed.example.org")
	g.baseURL = srv.URL

	loc := g.Lookup(context.Background(), "203.0.113.11")
	if loc != "1.0,2.0" {
		t.Fatalf("got %q", loc)
	}
	if hits != 2 {
		t.Fatalf("expected a retry after the first 500, got %d calls", hits)
	}
}

func TestLookupCollapsesConcurrentMissesIntoOneCall(t *testing.T) {
	var hits int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(`{"latitude":"10.0","longitude":"20.0"}`))
	}))
	defer srv.Close()

	g := New("key", "seed.example.org")
	g.baseURL = srv.URL

	const concurrency = 8
	var wg sync.WaitGroup
	results := make([]string, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Lookup(context.Background(), "203.0.113.20")
		}(i)
	}

	<-started // at least one goroutine is blocked inside the single in-flight call
	close(release)
	wg.Wait()

	for i, loc := range results {
		if loc != "10.0,20.0" {
			t.Fatalf("goroutine %d: got %q", i, loc)
		}
	}
	if hits != 1 {
		t.Fatalf("expected a single outbound call for concurrent misses on the same host, got %d", hits)
	}
}

func TestLookupExhaustsRetriesOnRepeatedFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New("key", "seed.example.org")
	g.baseURL = srv.URL

	if loc := g.Lookup(context.Background(), "203.0.113.12"); loc != "" {
		t.Fatalf("got %q", loc)
	}
	if hits != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, hits)
	}
}
