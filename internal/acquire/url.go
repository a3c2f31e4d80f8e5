package acquire

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// DefaultExtensions lists the downloadable file types recognized by discovery.
var DefaultExtensions = []string{"pdf", "xlsx", "xls", "zip", "csv"}

// Canonicalize reduces a URL to scheme+host+path, lowercased, without query or
// fragment. It is the cross-source deduplication key.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return strings.ToLower(scheme + "://" + host + p), nil
}

// PageKey canonicalizes a URL for within-page deduplication: host, path and
// query are kept and only the fragment is stripped.
func PageKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// ExtensionOf returns the lowercase extension (without dot) of a URL or file
// name, ignoring any query string.
func ExtensionOf(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return strings.ToLower(ext)
}

// HasExtension reports whether ext is in allowed (case-insensitive).
func HasExtension(ext string, allowed []string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), ext) {
			return true
		}
	}
	return false
}

// CategoryFor groups a file extension into an output directory category.
func CategoryFor(ext string) string {
	switch strings.ToLower(ext) {
	case "pdf":
		return "documents"
	case "xlsx", "xls", "csv":
		return "spreadsheets"
	case "zip":
		return "archives"
	default:
		return "other"
	}
}

// SanitizeFilename derives a filesystem-safe file name for rawURL. The
// preferred name, when given, wins over the URL basename.
func SanitizeFilename(rawURL, preferred string) string {
	base := strings.TrimSpace(preferred)
	if base == "" {
		if u, err := url.Parse(rawURL); err == nil {
			if unescaped, uerr := url.PathUnescape(path.Base(u.Path)); uerr == nil {
				base = unescaped
			} else {
				base = path.Base(u.Path)
			}
		}
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = strings.Trim(invalidFilenameChars.ReplaceAllString(stem, "_"), "_.")
	ext = strings.ToLower(invalidFilenameChars.ReplaceAllString(ext, ""))
	if stem == "" || stem == "/" {
		stem = hashURL(rawURL)[:16]
	}
	if ext == "" {
		if urlExt := ExtensionOf(rawURL); urlExt != "" {
			ext = "." + urlExt
		}
	}
	const maxStem = 150
	if len(stem) > maxStem {
		stem = stem[:maxStem]
	}
	return stem + ext
}

// DisambiguateFilename inserts a short hash of rawURL's canonical form before
// the extension of name, so two URLs sharing a basename land in distinct files.
func DisambiguateFilename(name, rawURL string) string {
	key := rawURL
	if canonical, err := Canonicalize(rawURL); err == nil {
		key = canonical
	}
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + hashURL(key)[:8] + ext
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HostIgnored reports whether the host of rawURL matches an ignored host
// pattern. Patterns are exact hosts or "*.suffix" / ".suffix" wildcards.
func HostIgnored(rawURL string, patterns []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, raw := range patterns {
		p := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case p == "":
			continue
		case strings.HasPrefix(p, "*."), strings.HasPrefix(p, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(p, "*"), ".")
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
		case host == p:
			return true
		}
	}
	return false
}
