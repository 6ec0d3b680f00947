// Package geo implements best-effort IP geolocation enrichment: an
// HTTP lookup against ipgeolocation.io, memoized in a bounded LRU safe
// for cooperative concurrent use from the frontier's many goroutines.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/spectre-project/spectre-crawler/internal/metrics"
)

// cacheSize bounds the memoization table at roughly 8192 hosts.
const cacheSize = 8192

const (
	maxAttempts = 2
	backoff     = 2 * time.Second
)

const apiBaseURL = "https://api.ipgeolocation.io/ipgeo"

// Geolocator is advisory: every failure mode results in an empty
// location string, never an error returned to the caller. Its shared
// mutable state, the LRU cache and the singleflight group, is safe for
// concurrent use.
type Geolocator struct {
	apiKey     string
	startHost  string
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache
	group      singleflight.Group
}

// New builds a Geolocator. startHost is the bare host of the operator's
// seed node; lookups for that host are skipped entirely, since the
// operator already knows where their own seed sits.
func New(apiKey, startHost string) *Geolocator {
	cache, err := lru.New(cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheSize
		// never is.
		panic(err)
	}
	return &Geolocator{
		apiKey:    apiKey,
		startHost: startHost,
		baseURL:   apiBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: cache,
	}
}

type geoResponse struct {
	Latitude  json.Number `json:"latitude"`
	Longitude json.Number `json:"longitude"`
}

// Lookup returns "<lat>,<lon>" for host, or "" if unavailable for any
// reason (start-address exemption, cache negative sentinel, non-200
// responses exhausting retries, transport errors, or a malformed
// response body).
func (g *Geolocator) Lookup(ctx context.Context, host string) string {
	if host == g.startHost {
		log.WithField("host", host).Info("skipping geolocation for start address")
		return ""
	}

	if cached, ok := g.cache.Get(host); ok {
		metrics.GeolocationLookups.WithLabelValues("cache_hit").Inc()
		return cached.(string)
	}

	// singleflight collapses concurrent cache misses for the same host
	// into one outbound call: the frontier dispatches many peers with
	// shared neighbors in parallel, and without this two goroutines
	// racing a miss would each hit the API for the same IP.
	v, _, _ := g.group.Do(host, func() (interface{}, error) {
		return g.fetch(ctx, host), nil
	})
	loc := v.(string)
	g.cache.Add(host, loc)
	return loc
}

func (g *Geolocator) fetch(ctx context.Context, host string) string {
	apiURL := fmt.Sprintf("%s?apiKey=%s&ip=%s&fields=country_name,city,latitude,longitude",
		g.baseURL, url.QueryEscape(g.apiKey), url.QueryEscape(host))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.WithFields(log.Fields{
			"host":    host,
			"attempt": attempt,
		}).Debug("requesting geolocation")

		loc, retry, err := g.attempt(ctx, apiURL, host)
		if err == nil {
			metrics.GeolocationLookups.WithLabelValues("success").Inc()
			return loc
		}
		log.WithFields(log.Fields{
			"host": host,
			"err":  err,
		}).Warn("geolocation attempt failed")
		if !retry || attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			metrics.GeolocationLookups.WithLabelValues("failure").Inc()
			return ""
		}
	}

	log.WithField("host", host).Warn("failed to retrieve geolocation after multiple attempts, skipping")
	metrics.GeolocationLookups.WithLabelValues("failure").Inc()
	return ""
}

// attempt performs one HTTP round trip. retry reports whether the
// caller should back off and try again (transport error or non-200);
// a malformed-but-200 response is not retried, matching the original's
// behavior of returning "" immediately when latitude/longitude are
// absent from an otherwise successful response.
func (g *Geolocator) attempt(ctx context.Context, apiURL, host string) (loc string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", true, fmt.Errorf("geo: status %d for %s", resp.StatusCode, host)
	}

	var body geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, fmt.Errorf("geo: decoding response for %s: %w", host, err)
	}
	if body.Latitude == "" || body.Longitude == "" {
		return "", false, fmt.Errorf("geo: response missing latitude/longitude for %s", host)
	}
	return fmt.Sprintf("%s,%s", body.Latitude, body.Longitude), false, nil
}
