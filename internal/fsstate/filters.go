package fsstate

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// Filter narrows eligibility beyond the extension rule. A file failing a
// filter stays Pending and is re-examined on the next poll.
type Filter interface {
	Allow(path string, info os.FileInfo) bool
}

// MinSize admits files of at least Bytes bytes.
type MinSize struct{ Bytes int64 }

func (f MinSize) Allow(_ string, info os.FileInfo) bool { return info.Size() >= f.Bytes }

// MaxSize admits files of at most Bytes bytes.
type MaxSize struct{ Bytes int64 }

func (f MaxSize) Allow(_ string, info os.FileInfo) bool { return info.Size() <= f.Bytes }

// MinAge admits files not modified for at least Age. Useful when an upstream
// writer does not rename into place.
type MinAge struct {
	Age time.Duration
	Now func() time.Time
}

func (f MinAge) Allow(_ string, info os.FileInfo) bool {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return now().Sub(info.ModTime()) >= f.Age
}

// Pattern admits files whose base name matches the expression.
type Pattern struct{ re *regexp.Regexp }

// NewPattern compiles expr into a Pattern filter.
func NewPattern(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("invalid filename pattern %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

func (f Pattern) Allow(_ string, info os.FileInfo) bool { return f.re.MatchString(info.Name()) }

func passes(filters []Filter, path string) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	for _, f := range filters {
		if !f.Allow(path, info) {
			return false, nil
		}
	}
	return true, nil
}
