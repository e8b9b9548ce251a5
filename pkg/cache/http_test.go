package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestExpiresFromHeaders(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		headers  http.Header
		fallback time.Duration
		want     time.Duration
	}{
		{
			name:     "no headers uses fallback",
			headers:  http.Header{},
			fallback: time.Hour,
			want:     time.Hour,
		},
		{
			name:     "zero fallback uses default",
			headers:  http.Header{},
			fallback: 0,
			want:     DefaultTTL,
		},
		{
			name:     "max-age",
			headers:  http.Header{"Cache-Control": []string{"public, max-age=600"}},
			fallback: time.Hour,
			want:     10 * time.Minute,
		},
		{
			name:     "no-store",
			headers:  http.Header{"Cache-Control": []string{"no-store"}},
			fallback: time.Hour,
			want:     0,
		},
		{
			name:     "max-age beats expires",
			headers:  http.Header{"Cache-Control": []string{"max-age=60"}, "Expires": []string{now.Add(time.Hour).UTC().Format(http.TimeFormat)}},
			fallback: time.Hour,
			want:     time.Minute,
		},
		{
			name:     "expires",
			headers:  http.Header{"Expires": []string{now.Add(30 * time.Minute).UTC().Format(http.TimeFormat)}},
			fallback: time.Hour,
			want:     30 * time.Minute,
		},
		{
			name:     "expires in the past",
			headers:  http.Header{"Expires": []string{now.Add(-time.Hour).UTC().Format(http.TimeFormat)}},
			fallback: time.Hour,
			want:     0,
		},
		{
			name:     "unparseable expires",
			headers:  http.Header{"Expires": []string{"soon"}},
			fallback: time.Hour,
			want:     time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := time.Until(ExpiresFromHeaders(tt.headers, tt.fallback))
			// http.TimeFormat has second precision.
			if diff := got - tt.want; diff < -2*time.Second || diff > 2*time.Second {
				t.Errorf("expiry in %v, want about %v", got, tt.want)
			}
		})
	}
}
