package target

import (
	"net/url"
	"strings"
)

// Filter decides which targets are eligible for bridging.
//
// A target is eligible when its type is allowed, its URL has an allowed
// scheme, the URL contains none of the deny substrings (compared
// case-insensitively), and it was not opened by one of the controller's own
// UI origins. Empty and about: URLs are never eligible.
type Filter struct {
	Types             []string
	Schemes           []string
	Deny              []string
	ControllerOrigins []string
}

// DefaultFilter admits http(s) pages and rejects the browser's internal
// surfaces.
func DefaultFilter() Filter {
	return Filter{
		Types:   []string{"page"},
		Schemes: []string{"http", "https"},
		Deny: []string{
			"chrome://",
			"chrome-extension://",
			"devtools://",
			"chrome-untrusted://",
		},
	}
}

// Check reports whether info is eligible. When it is not, reason says why.
// openerURL is the URL of the target that opened info, or "" if unknown.
func (f Filter) Check(info Info, openerURL string) (ok bool, reason string) {
	if len(f.Types) > 0 && !containsFold(f.Types, info.Type) {
		return false, "type " + info.Type + " not allowed"
	}

	raw := strings.TrimSpace(info.URL)
	if raw == "" {
		return false, "empty url"
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "about:") {
		return false, "internal url"
	}
	for _, d := range f.Deny {
		if d != "" && strings.Contains(lower, strings.ToLower(d)) {
			return false, "url matches deny entry " + d
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return false, "unparseable url"
	}
	if len(f.Schemes) > 0 && !containsFold(f.Schemes, u.Scheme) {
		return false, "scheme " + u.Scheme + " not allowed"
	}

	if origin := originOf(raw); origin != "" && containsFold(f.ControllerOrigins, origin) {
		return false, "controller surface"
	}
	if info.OpenerID != "" && openerURL != "" {
		if origin := originOf(openerURL); origin != "" && containsFold(f.ControllerOrigins, origin) {
			return false, "opened by controller surface"
		}
	}
	return true, ""
}

// originOf returns scheme://host[:port] for raw, lower-cased.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimRight(v, "/"), s) {
			return true
		}
	}
	return false
}
