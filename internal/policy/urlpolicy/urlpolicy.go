// Package urlpolicy holds the pure URL rules the crawl applies to every
// discovered link: canonicalization, domain scoping, extension and content-type
// filtering, and depth bounds.
package urlpolicy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrRelativeURL is returned when an absolute URL was required.
	ErrRelativeURL = errors.New("url is not absolute")
	// ErrMalformedHost marks an authority whose host or port cannot be
	// normalized to a stable form.
	ErrMalformedHost = errors.New("malformed host")
)

// blockedExtensions are binary and document formats that are never fetched.
var blockedExtensions = []string{
	".pdf", ".doc", ".docx", ".ppt", ".pptx",
	".xls", ".xlsx", ".zip", ".rar", ".gz", ".7z",
	".mp4", ".mp3", ".avi", ".mov",
	".png", ".jpg", ".jpeg", ".gif", ".svg",
}

var htmlContentTypes = []string{"text/html", "text/plain", "application/xhtml"}

// Canonicalize normalizes an absolute URL to the form used for dedup keys and
// self-link checks. It lowercases scheme and host, removes the default port,
// strips the fragment and an empty query marker, and gives an empty path "/".
// The query string is kept verbatim. The result is a fixed point:
// canonicalizing it again returns it unchanged.
func Canonicalize(rawURL string) (string, error) {
	once, err := canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	twice, err := canonicalize(once)
	if err != nil || twice != once {
		return "", fmt.Errorf("canonicalize %q: %w", rawURL, ErrMalformedHost)
	}
	return once, nil
}

func canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("canonicalize %q: %w", rawURL, ErrRelativeURL)
	}
	if err := checkHost(u); err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", rawURL, err)
	}
	return canonical(u), nil
}

// checkHost rejects ports that are not decimal and bare colons in the
// hostname outside an IPv6 literal.
func checkHost(u *url.URL) error {
	host := strings.TrimRight(u.Host, ":")
	if host == "" {
		return nil
	}
	if strings.HasPrefix(host, "[") {
		end := strings.LastIndex(host, "]")
		if end < 0 {
			return ErrMalformedHost
		}
		if rest := host[end+1:]; rest != "" && !isPort(rest) {
			return ErrMalformedHost
		}
		return nil
	}
	name, port, found := strings.Cut(host, ":")
	if strings.ContainsAny(name, "[]") || (found && !isPort(":"+port)) {
		return ErrMalformedHost
	}
	return nil
}

func isPort(s string) bool {
	if len(s) < 2 || s[0] != ':' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Resolve resolves ref against base and returns the absolute URL with the
// fragment removed.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference: %w", err)
	}
	abs := b.ResolveReference(r)
	if !abs.IsAbs() {
		return "", fmt.Errorf("resolve %q: %w", ref, ErrRelativeURL)
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}

func canonical(u *url.URL) string {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = stripDefaultPort(u.Scheme, strings.ToLower(u.Host))
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false
	if u.Opaque == "" && u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String()
}

func stripDefaultPort(scheme, host string) string {
	host = strings.TrimRight(host, ":")
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// DomainOf returns the lowercased host of rawURL without a leading "www.".
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}

// JobIDFromSeed derives the job identity from the seed host, so that every
// launch for the same site shares one frontier.
func JobIDFromSeed(seedURL string) (string, error) {
	seed := strings.TrimSpace(seedURL)
	if !strings.Contains(seed, "://") {
		seed = "http://" + seed
	}
	domain, err := DomainOf(seed)
	if err != nil {
		return "", fmt.Errorf("derive job id: %w", err)
	}
	return domain, nil
}

// InDomain reports whether rawURL's host is domain or one of its subdomains.
// A leading "www." is ignored on both sides.
func InDomain(rawURL, domain string) bool {
	domain = normalizeHost(domain)
	if domain == "" {
		return false
	}
	host, err := DomainOf(rawURL)
	if err != nil {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	return strings.TrimPrefix(host, "www.")
}

// IsBlockedExtension reports whether the URL path ends in a denylisted
// binary or document extension.
func IsBlockedExtension(rawURL string) bool {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	for _, ext := range blockedExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// IsHTMLContentType reports whether a Content-Type header declares a
// document the crawler can parse for links.
func IsHTMLContentType(header string) bool {
	header = strings.ToLower(header)
	for _, ct := range htmlContentTypes {
		if strings.Contains(header, ct) {
			return true
		}
	}
	return false
}

// IsCrawlableScheme reports whether rawURL uses http or https.
func IsCrawlableScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}

// WithinDepth reports whether depth is inside the job's bound.
func WithinDepth(depth, maxDepth int) bool {
	return depth <= maxDepth
}

// IsSelfReferential reports whether a link points back at the page it was
// found on. Both arguments must already be canonical.
func IsSelfReferential(linkCanonical, pageCanonical string) bool {
	return linkCanonical == pageCanonical
}
