// Package cachekey derives the storage key used by every cache tier from a URL
package cachekey

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidURL is returned for URLs which cannot be used as a cache key
var ErrInvalidURL = errors.New("invalid URL")

// Key identifies a cached object. It is the hex encoded SHA256 of the
// normalized URL and therefore safe to be used as a file name.
type Key string

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// FromURL normalizes the given URL and derives its Key
func FromURL(rawURL string) (Key, error) {
	norm, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}

	return Key(fmt.Sprintf("%x", sha256.Sum256([]byte(norm)))), nil
}

// Normalize returns the canonical form of the URL: scheme and host are
// lower-cased, the default port and the fragment are dropped and an
// empty path is replaced by "/". The query is kept as-is as servers
// are free to interpret parameter order.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", errors.Wrap(ErrInvalidURL, err.Error())
	}

	if u.Scheme == "" || u.Host == "" {
		return "", errors.Wrapf(ErrInvalidURL, "missing scheme or host in %q", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	host, port := strings.ToLower(u.Hostname()), u.Port()
	if port == "" || defaultPorts[u.Scheme] == port {
		if strings.Contains(host, ":") {
			// IPv6 literal
			host = "[" + host + "]"
		}
		u.Host = host
	} else {
		u.Host = strings.ToLower(u.Host)
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	return u.String(), nil
}

// Path returns the sharded relative storage path for the key
func (k Key) Path() string {
	if len(k) < 2 {
		return string(k)
	}
	return path.Join(string(k[0:2]), string(k))
}

func (k Key) String() string { return string(k) }
