package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var (
	ErrInvalidPath = errors.New("invalid file path")
	ErrNotDir      = errors.New("path is not a directory")
	ErrInvalidHost = errors.New("invalid server host")
	ErrInvalidPort = errors.New("invalid server port")
	ErrEmptyString = errors.New("value must not be empty")
	ErrOutOfRange  = errors.New("value out of range")
	ErrTooLong     = errors.New("value exceeds maximum length")
)

// ValidateDir accepts an existing directory or a path whose parent exists,
// so that output directories may be created on first use.
func ValidateDir(p string) error {
	if p == "" {
		return ErrInvalidPath
	}
	p = filepath.Clean(p)
	st, err := os.Stat(p)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotDir, p)
		}
		return nil
	}
	if _, perr := os.Stat(filepath.Dir(p)); perr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return nil
}

func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s", ErrInvalidPort, strconv.Itoa(port))
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateMaxLen rejects byte values longer than max.
func ValidateMaxLen(name string, b []byte, max int) error {
	if len(b) > max {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLong, name, len(b), max)
	}
	return nil
}
