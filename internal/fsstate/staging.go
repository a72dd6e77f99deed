package fsstate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Companion admits inputs that have a sibling file with the same stem and
// extension Ext, such as a sidecar with metadata.
type Companion struct {
	Ext      string
	InputExt string
}

func (f Companion) Allow(path string, info os.FileInfo) bool {
	stem := strings.TrimSuffix(info.Name(), f.InputExt)
	sib, err := os.Stat(filepath.Join(filepath.Dir(path), stem+f.Ext))
	return err == nil && sib.Mode().IsRegular()
}

// Gate opens or closes staging for a whole input directory. While any gate
// is closed no file of the directory is eligible.
type Gate interface {
	Open(dir string) bool
}

// DefaultScriptTimeout bounds a ScriptGate without its own timeout.
const DefaultScriptTimeout = time.Minute

// ScriptGate runs Command through bash with the input directory appended as
// its last argument. Exit status 0 opens the gate.
type ScriptGate struct {
	Command string
	Timeout time.Duration
}

func (g ScriptGate) Open(dir string) bool {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "bash", "-c", g.Command+" "+shellQuote(dir))
	return cmd.Run() == nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SortKey orders eligible files.
type SortKey string

const (
	SortByName  SortKey = "name"
	SortBySize  SortKey = "size"
	SortByMtime SortKey = "mtime"
)

// Valid reports whether k is a known key. The empty key sorts by name.
func (k SortKey) Valid() bool {
	switch k {
	case "", SortByName, SortBySize, SortByMtime:
		return true
	}
	return false
}

// Order decides the sequence in which eligible files are handed out.
type Order struct {
	By      SortKey
	Reverse bool
}

// sort orders paths in place. Ties and files that vanished keep name order.
func (o Order) sort(paths []string) {
	sort.Strings(paths)
	if o.By == "" || o.By == SortByName {
		if o.Reverse {
			for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
				paths[i], paths[j] = paths[j], paths[i]
			}
		}
		return
	}
	keys := make(map[string]int64, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if o.By == SortBySize {
			keys[p] = info.Size()
		} else {
			keys[p] = info.ModTime().UnixNano()
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		if o.Reverse {
			return keys[paths[i]] > keys[paths[j]]
		}
		return keys[paths[i]] < keys[paths[j]]
	})
}

// Limits caps how many files are staged. Zero disables a cap.
type Limits struct {
	// MaxBatch caps the files handed out per poll.
	MaxBatch int
	// MaxStaged caps the files in flight at once.
	MaxStaged int
}

// Apply trims candidates given that staged files are already in flight.
func (l Limits) Apply(candidates []string, staged int) []string {
	n := len(candidates)
	if l.MaxStaged > 0 {
		n = min(n, max(0, l.MaxStaged-staged))
	}
	if l.MaxBatch > 0 {
		n = min(n, l.MaxBatch)
	}
	return candidates[:n]
}
