package fsstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerExt is the extension of failure markers.
const MarkerExt = ".err"

// Dirs describes one task's view of the filesystem.
type Dirs struct {
	InputDir  string
	InputExt  string
	OutputDir string
	OutputExt string
	Filters   []Filter
	Gates     []Gate
	Order     Order
	// Limits is applied by whoever hands files out; Scan ignores it.
	Limits Limits
}

// Stem returns the file name of input with the input extension removed.
func (d Dirs) Stem(input string) string {
	return strings.TrimSuffix(filepath.Base(input), d.InputExt)
}

// OutputPath returns where the success artifact for input lives.
func (d Dirs) OutputPath(input string) string {
	return filepath.Join(d.OutputDir, d.Stem(input)+d.OutputExt)
}

// MarkerPath returns where the failure marker for input lives.
func (d Dirs) MarkerPath(input string) string {
	return filepath.Join(d.OutputDir, d.Stem(input)+MarkerExt)
}

// Snapshot is the derived state of a task's files at one poll.
type Snapshot struct {
	// Eligible holds the input paths still to be processed, in Dirs.Order.
	Eligible  []string
	Succeeded int
	Failed    int
}

// Scan lists the input directory and classifies every input against the
// output directory. Filters and gates only narrow Eligible; files already
// processed are counted regardless of them.
func Scan(d Dirs) (*Snapshot, error) {
	done, failed, err := outputStems(d)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.InputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("read input dir %s: %w", d.InputDir, err)
	}

	open := gatesOpen(d)
	snap := &Snapshot{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, d.InputExt) {
			continue
		}
		stem := strings.TrimSuffix(name, d.InputExt)
		switch {
		case done[stem]:
			snap.Succeeded++
		case failed[stem]:
			snap.Failed++
		case !open:
		default:
			path := filepath.Join(d.InputDir, name)
			ok, err := passes(d.Filters, path)
			if err != nil {
				// The file may have been removed between listing and stat.
				continue
			}
			if ok {
				snap.Eligible = append(snap.Eligible, path)
			}
		}
	}
	d.Order.sort(snap.Eligible)
	return snap, nil
}

func gatesOpen(d Dirs) bool {
	for _, g := range d.Gates {
		if !g.Open(d.InputDir) {
			return false
		}
	}
	return true
}

// Eligible is a shorthand for Scan(d).Eligible.
func Eligible(d Dirs) ([]string, error) {
	snap, err := Scan(d)
	if err != nil {
		return nil, err
	}
	return snap.Eligible, nil
}

// Settled reports whether input already has an output artifact or a failure
// marker.
func Settled(d Dirs, input string) bool {
	for _, p := range []string{d.OutputPath(input), d.MarkerPath(input)} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func outputStems(d Dirs) (done, failed map[string]bool, err error) {
	done = make(map[string]bool)
	failed = make(map[string]bool)
	entries, err := os.ReadDir(d.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return done, failed, nil
		}
		return nil, nil, fmt.Errorf("read output dir %s: %w", d.OutputDir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, d.OutputExt) {
			done[strings.TrimSuffix(name, d.OutputExt)] = true
		}
		if strings.HasSuffix(name, MarkerExt) {
			failed[strings.TrimSuffix(name, MarkerExt)] = true
		}
	}
	return done, failed, nil
}
