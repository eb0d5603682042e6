package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoff tracks the 429 delay per URL. The first delay is the seed; each
// further one doubles up to max. A success on the URL forgets it.
type backoff struct {
	initial time.Duration
	max     time.Duration

	mu     sync.Mutex
	delays map[string]time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, delays: make(map[string]time.Duration)}
}

// next returns how long to wait before retrying key. A Retry-After value
// from the server wins over the computed delay but is still capped at max.
func (b *backoff) next(key, retryAfter string, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, now); ok {
		return min(d, b.max)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.delays[key]
	if !ok {
		d = b.initial
	} else {
		d = min(d*2, b.max)
	}
	b.delays[key] = d
	return d
}

func (b *backoff) reset(key string) {
	b.mu.Lock()
	delete(b.delays, key)
	b.mu.Unlock()
}

func (b *backoff) current(key string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.delays[key]
	return d, ok
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
