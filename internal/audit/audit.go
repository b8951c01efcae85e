// Package audit writes the per-principal audit trail: one plain-text line per
// event, newest at the end, capped to the most recent maxLines lines.
package audit

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	maxLines = 250

	// lockStripes bounds lock memory; all operations for the same principal
	// hit the same stripe, which serializes the ring update with the file
	// rewrite.
	lockStripes = 64
)

// Entry is a single audit event before formatting.
type Entry struct {
	// Time is the server-side UTC time of the event.
	Time time.Time
	// ClientTime is the client-observed epoch at send time; zero when the
	// event is server-generated.
	ClientTime uint32
	// Locations are ordered location tags from the client.
	Locations []string
	// Observations is the client's free-form observation map.
	Observations map[string][]string
}

// Writer appends audit lines to one file per principal under dir. Each
// principal's log is mirrored in a capped in-memory ring, loaded from disk on
// first touch, so an append never has to read the file back. Appends to the
// same principal are serialized internally; callers need no external locking.
type Writer struct {
	dir   string
	locks [lockStripes]sync.Mutex
	rings sync.Map // principalID -> *ring
}

// ring holds the newest maxLines lines for one principal. Guarded by the
// principal's lock stripe.
type ring struct {
	lines []string
}

// NewWriter creates dir if needed and returns a Writer rooted there.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Append formats and appends one line for the principal, discarding the
// oldest lines when the log would exceed the cap.
func (w *Writer) Append(principalID string, e Entry) error {
	lock := &w.locks[stripe(principalID)]
	lock.Lock()
	defer lock.Unlock()

	r, err := w.ringFor(principalID)
	if err != nil {
		return err
	}

	r.lines = append(r.lines, formatLine(e))
	if overflow := len(r.lines) - maxLines; overflow > 0 {
		r.lines = append(r.lines[:0], r.lines[overflow:]...)
	}
	return w.persist(principalID, r)
}

// System appends a server-generated entry carrying message, marked with a
// SYSTEM MESSAGE observation so readers can tell it from client events.
func (w *Writer) System(principalID, message string, now time.Time) error {
	return w.Append(principalID, Entry{
		Time: now,
		Observations: map[string][]string{
			"TYPE":    {"SYSTEM MESSAGE"},
			"MESSAGE": {message},
		},
	})
}

// Lines returns the current contents of a principal's log, oldest first. An
// absent file yields an empty slice.
func (w *Writer) Lines(principalID string) ([]string, error) {
	lock := &w.locks[stripe(principalID)]
	lock.Lock()
	defer lock.Unlock()

	r, err := w.ringFor(principalID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), r.lines...), nil
}

// ringFor returns the principal's ring, loading it from disk on first touch.
// Caller must hold the principal's lock stripe.
func (w *Writer) ringFor(principalID string) (*ring, error) {
	if v, ok := w.rings.Load(principalID); ok {
		return v.(*ring), nil
	}
	lines, err := readLines(w.path(principalID))
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if overflow := len(lines) - maxLines; overflow > 0 {
		lines = lines[overflow:]
	}
	r := &ring{lines: lines}
	w.rings.Store(principalID, r)
	return r, nil
}

// persist rewrites the principal's file from the ring. Write-then-rename
// keeps a crash mid-rewrite from truncating the log.
func (w *Writer) persist(principalID string, r *ring) error {
	path := w.path(principalID)
	tmp := path + ".tmp"
	content := strings.Join(r.lines, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o640); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace audit log: %w", err)
	}
	return nil
}

func (w *Writer) path(principalID string) string {
	return filepath.Join(w.dir, principalID+".log")
}

func stripe(principalID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(principalID))
	return int(h.Sum32() % lockStripes)
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := raw[:0]
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// formatLine renders `<utc> <delta-seconds> - <locations>; <observations>`,
// where delta is the server/client clock difference in seconds.
func formatLine(e Entry) string {
	utc := e.Time.UTC()
	delta := utc.Unix() - int64(e.ClientTime)

	locations := e.Locations
	if len(locations) == 0 {
		locations = []string{"-"}
	}
	locJSON, _ := json.Marshal(locations)

	observations := e.Observations
	if observations == nil {
		observations = map[string][]string{}
	}
	obsJSON, _ := json.Marshal(observations)

	return fmt.Sprintf("%s %d - %s; %s", utc.Format(time.RFC3339), delta, locJSON, obsJSON)
}
