package storage

import (
	"net/url"
	"regexp"
	"strings"
)

const maxSegmentLen = 96

var unsafeSegmentChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathSegmentForURL turns a page URL into a directory name: host and path
// joined with underscores, anything outside [A-Za-z0-9._-] collapsed.
// URLs with neither host nor path map to "root".
func PathSegmentForURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	var parts []string
	switch {
	case parsed.Opaque != "":
		parts = append(parts, parsed.Scheme, parsed.Opaque)
	default:
		if parsed.Host != "" {
			parts = append(parts, parsed.Host)
		}
		if p := strings.Trim(parsed.Path, "/"); p != "" {
			parts = append(parts, p)
		}
	}

	seg := strings.Trim(unsafeSegmentChars.ReplaceAllString(strings.Join(parts, "_"), "_"), "_.")
	if seg == "" {
		return "root", nil
	}
	if len(seg) > maxSegmentLen {
		seg = seg[:maxSegmentLen]
	}
	return seg, nil
}

// ShortTargetID returns the upper-cased first 8 chars of a CDP target ID.
func ShortTargetID(targetID string) string {
	if len(targetID) > 8 {
		targetID = targetID[:8]
	}
	return strings.ToUpper(targetID)
}
