package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the upstream gives no caching hints
	DefaultTTL = 24 * time.Hour
)

// ExpiresFromHeaders derives an expiry from response headers.
// Cache-Control max-age wins over Expires; no-store and no-cache yield the
// current time. Without either header, now+fallback is returned.
func ExpiresFromHeaders(headers http.Header, fallback time.Duration) time.Time {
	now := time.Now()
	if fallback <= 0 {
		fallback = DefaultTTL
	}

	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return now
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil && secs >= 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(fallback)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(fallback)
	}

	// Validate that TTL is not negative
	if expires.Before(now) {
		return now
	}

	return expires
}
