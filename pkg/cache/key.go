package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// keyPrefix namespaces every cache key in the shared Redis database.
const keyPrefix = "setlist:cache"

// Key identifies a cached value.
type Key struct {
	// Namespace groups related values (e.g. "artist", "image").
	Namespace string

	// ID is the lookup value within the namespace. It is normalized so that
	// "  The  Cure" and "the cure" share an entry.
	ID string

	// Params are optional extra parameters (e.g. {"size": "preview"}).
	Params url.Values
}

// String generates a deterministic cache key string.
// Format: setlist:cache:namespace:id:param1=val1:param2=val2
//
// Example:
//
//	setlist:cache:artist:the cure
func (k Key) String() string {
	parts := []string{keyPrefix}

	if ns := strings.Trim(k.Namespace, ": "); ns != "" {
		parts = append(parts, ns)
	}

	if id := normalizeID(k.ID); id != "" {
		parts = append(parts, id)
	}

	// Add params (sorted for determinism)
	if len(k.Params) > 0 {
		keys := make([]string, 0, len(k.Params))
		for key := range k.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Params.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}

func normalizeID(id string) string {
	return strings.ToLower(strings.Join(strings.Fields(id), " "))
}
