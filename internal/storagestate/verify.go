package storagestate

import (
	"sort"
	"strings"
	"time"

	"github.com/visualcore/backend/internal/core"
)

// siteRule names the session cookies a site must carry for its storage
// state to count as a live login.
type siteRule struct {
	// allOf must all be present and unexpired.
	allOf []string
	// anyOf requires at least one match. Checked only when allOf is empty.
	anyOf []string
}

// The allowlist is static. Sites not listed here never verify.
var siteRules = map[string]siteRule{
	"google":    {allOf: []string{"SID", "SIDCC", "OSID"}},
	"linkedin":  {allOf: []string{"li_at"}},
	"instagram": {allOf: []string{"sessionid"}},
	"facebook":  {allOf: []string{"c_user", "xs"}},
	"tiktok":    {anyOf: []string{"sessionid", "sid_tt"}},
}

// AllowlistedSites returns the verifiable site names, sorted.
func AllowlistedSites() []string {
	sites := make([]string, 0, len(siteRules))
	for site := range siteRules {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// VerifyBlob checks each allowlisted site against the blob's live cookies.
// A site with no cookies in the blob stays false.
func VerifyBlob(blob *core.StorageStateBlob, now time.Time) map[string]bool {
	verified := make(map[string]bool, len(siteRules))
	for site := range siteRules {
		verified[site] = false
	}
	if blob == nil {
		return verified
	}

	// Live cookie names per site, matched by domain substring so
	// ".google.com" and "accounts.google.com" both count for google.
	names := make(map[string]map[string]bool, len(siteRules))
	for _, c := range blob.Cookies {
		if !cookieLive(c, now) {
			continue
		}
		domain := strings.ToLower(c.Domain)
		for site := range siteRules {
			if strings.Contains(domain, site) {
				if names[site] == nil {
					names[site] = make(map[string]bool)
				}
				names[site][c.Name] = true
			}
		}
	}

	for site, rule := range siteRules {
		present := names[site]
		if len(present) == 0 {
			continue
		}
		if len(rule.allOf) > 0 {
			ok := true
			for _, name := range rule.allOf {
				if !present[name] {
					ok = false
					break
				}
			}
			verified[site] = ok
			continue
		}
		for _, name := range rule.anyOf {
			if present[name] {
				verified[site] = true
				break
			}
		}
	}
	return verified
}

// StatusFor derives the record status from a verification map: verified
// when at least one site passed, pending otherwise.
func StatusFor(verified map[string]bool) Status {
	for _, ok := range verified {
		if ok {
			return StatusVerified
		}
	}
	return StatusPending
}
