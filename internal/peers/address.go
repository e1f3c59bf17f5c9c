package peers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidAddress is wrapped by every NormalizeAddress error.
var ErrInvalidAddress = errors.New("invalid node address")

// NormalizeAddress turns a user- or peer-supplied node address into the
// canonical form used as a registry key: scheme and host lower-cased, no
// path, no trailing slash. A bare "host:port" is assumed to be http.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return "", fmt.Errorf("%w: %q must not contain a path", ErrInvalidAddress, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("%w: %q must be scheme://host[:port] only", ErrInvalidAddress, raw)
	}

	return scheme + "://" + strings.ToLower(u.Host), nil
}
