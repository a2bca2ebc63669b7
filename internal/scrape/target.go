package scrape

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	postPattern    = regexp.MustCompile(`^(?:p|reel)/([A-Za-z0-9_-]+)`)
	profilePattern = regexp.MustCompile(`^([A-Za-z0-9._]+)/?$`)
	hashtagPattern = regexp.MustCompile(`^explore/tags/([^/]+)`)
	placePattern   = regexp.MustCompile(`^explore/locations/([0-9]+)`)
)

// reserved path heads that look like profiles but are not.
var reservedPaths = map[string]bool{
	"p":       true,
	"reel":    true,
	"explore": true,
	"about":   true,
}

// ClassifyTarget resolves a raw URL to a Target by its path shape.
// The kind hint narrows matching when provided; with KindUnknown the
// shape alone decides. Unrecognized shapes come back as KindUnknown
// and are recorded as invalid outcomes without a fetch.
func ClassifyTarget(raw string, hint TargetKind) Target {
	t := Target{Raw: raw, Kind: KindUnknown}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return t
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return t
	}

	tryKind := func(kind TargetKind) (string, bool) {
		switch kind {
		case KindPost:
			if m := postPattern.FindStringSubmatch(path); m != nil {
				return m[1], true
			}
		case KindProfile:
			if m := profilePattern.FindStringSubmatch(path); m != nil && !reservedPaths[m[1]] {
				return m[1], true
			}
		case KindHashtag:
			if m := hashtagPattern.FindStringSubmatch(path); m != nil {
				return m[1], true
			}
		case KindPlace:
			if m := placePattern.FindStringSubmatch(path); m != nil {
				return m[1], true
			}
		}
		return "", false
	}

	kinds := []TargetKind{KindPost, KindHashtag, KindPlace, KindProfile}
	if hint != "" && hint != KindUnknown {
		kinds = []TargetKind{hint}
	}
	for _, kind := range kinds {
		if id, ok := tryKind(kind); ok {
			t.Kind = kind
			t.ID = id
			return t
		}
	}
	return t
}
