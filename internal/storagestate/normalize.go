package storagestate

import (
	"strings"
	"time"

	"github.com/visualcore/backend/internal/core"
)

// cookieLive reports whether a cookie has not expired. Session cookies
// carry expires == -1 and never expire here.
func cookieLive(c core.Cookie, now time.Time) bool {
	if c.Expires == -1 {
		return true
	}
	return c.Expires >= float64(now.Unix())
}

// normalizeSameSite maps the values browsers and CDP emit onto the three
// canonical settings. Unknown or unspecified values are dropped so the
// blob replays cleanly into a fresh context.
func normalizeSameSite(v string) string {
	switch strings.ToLower(v) {
	case "lax":
		return "Lax"
	case "strict":
		return "Strict"
	case "none", "no_restriction":
		return "None"
	default:
		return ""
	}
}

// NormalizeCookies filters expired cookies, canonicalizes sameSite, and
// deduplicates by (domain, path, name) keeping the longest-lived copy.
func NormalizeCookies(cookies []core.Cookie, now time.Time) []core.Cookie {
	type key struct{ domain, path, name string }

	best := make(map[key]core.Cookie)
	order := make([]key, 0, len(cookies))

	for _, c := range cookies {
		if !cookieLive(c, now) {
			continue
		}
		c.SameSite = normalizeSameSite(c.SameSite)
		if c.Path == "" {
			c.Path = "/"
		}

		k := key{domain: c.Domain, path: c.Path, name: c.Name}
		prev, seen := best[k]
		if !seen {
			best[k] = c
			order = append(order, k)
			continue
		}
		if c.Expires > prev.Expires {
			best[k] = c
		}
	}

	out := make([]core.Cookie, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// NormalizeBlob returns a copy of the blob with its cookie set normalized.
// Origins and environment metadata pass through untouched.
func NormalizeBlob(blob *core.StorageStateBlob, now time.Time) *core.StorageStateBlob {
	if blob == nil {
		return nil
	}
	return &core.StorageStateBlob{
		Cookies:     NormalizeCookies(blob.Cookies, now),
		Origins:     blob.Origins,
		EnvMetadata: blob.EnvMetadata,
	}
}
