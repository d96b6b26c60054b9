package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrInvalidAddr   = errors.New("invalid listen address")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
	ErrTooLong       = errors.New("value exceeds maximum length")
	ErrInvalidScheme = errors.New("invalid URL scheme")
)

// ValidateMaxLen rejects s longer than max, field named in the error for
// caller-side 400 messages.
func ValidateMaxLen(field, s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%w: %s exceeds %d chars", ErrTooLong, field, max)
	}
	return nil
}

// ValidateWSURL parses endpoint as a URL and requires its scheme be one
// of allowedSchemes (e.g. "ws", "wss" for the bootstrap server registry).
func ValidateWSURL(endpoint string, allowedSchemes ...string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScheme, err)
	}
	for _, s := range allowedSchemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in %v", ErrInvalidScheme, u.Scheme, allowedSchemes)
}

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" { return ErrInvalidPath }
	if !filepath.IsAbs(p) {
		// Allow relative but normalize; disallow traversal outside working dir if needed
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateAddr(addr string) error {
	if addr == "" { return ErrInvalidAddr }
	_, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil { return fmt.Errorf("%w: %v", ErrInvalidAddr, err) }
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" { return ErrEmptyString }
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
