// Package validation checks producer-supplied values before they reach the
// processing routine or external tools such as ffprobe.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL          = errors.New("video URL is empty")
	ErrInvalidURL        = errors.New("video URL is malformed")
	ErrUnsupportedScheme = errors.New("video URL scheme not supported")
)

// maxURLLength matches the limit most HTTP servers and object stores accept.
const maxURLLength = 2048

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"file":  true,
	"s3":    true,
	"gs":    true,
}

// VideoURL validates a video locator and returns its parsed form.
func VideoURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyURL
	}
	if len(raw) > maxURLLength {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalidURL, maxURLLength)
	}
	for _, r := range raw {
		if r < 32 || r == 127 {
			return nil, fmt.Errorf("%w: contains control characters", ErrInvalidURL)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme", ErrInvalidURL)
	}
	if !allowedSchemes[scheme] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	switch scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("%w: file URL without path", ErrInvalidURL)
		}
	default:
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
		}
	}

	return u, nil
}
