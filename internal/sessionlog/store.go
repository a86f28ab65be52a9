package sessionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"sessionward/internal/log"
)

const (
	fileExt   = ".jsonl"
	backupExt = ".jsonl.backup"
	lockExt   = ".lock"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrChanged  = errors.New("session file changed during rewrite")
)

var sessionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Store owns the session files of one project directory.
type Store struct {
	root    string
	project string
	dir     string
}

type FileInfo struct {
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
}

func NewStore(root, project string) *Store {
	return &Store{root: root, project: project, dir: filepath.Join(root, project)}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Project() string {
	return s.project
}

func SanitizeID(sessionID string) string {
	return sessionIDSanitizer.ReplaceAllString(sessionID, "_")
}

func (s *Store) Path(sessionID string) string {
	return PathIn(s.dir, sessionID)
}

// PathIn is the file a session lives in under dir.
func PathIn(dir, sessionID string) string {
	return filepath.Join(dir, SanitizeID(sessionID)+fileExt)
}

// SessionIDFromPath reverses PathIn for files found by listing a directory.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), fileExt)
}

const (
	lockStaleDuration = 30 * time.Second
	lockTimeout       = 10 * time.Second
	lockPollInterval  = 8 * time.Millisecond
)

func withFileLease(path string, fn func() error) error {
	lock := strings.TrimSuffix(path, fileExt) + lockExt
	if err := os.MkdirAll(filepath.Dir(lock), 0o755); err != nil {
		return err
	}
	deadline := time.Now().Add(lockTimeout)
	for {
		err := os.Mkdir(lock, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		// Break stale leases left by crashed processes.
		if info, statErr := os.Stat(lock); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleDuration {
				log.Warn().Str("lock", lock).Msg("breaking stale session lease")
				_ = os.RemoveAll(lock)
				continue
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lease for %s", filepath.Base(path))
		}
		time.Sleep(lockPollInterval)
	}
	defer func() {
		_ = os.RemoveAll(lock)
	}()
	return fn()
}

// Append writes entry to the session file and returns it as stored.
func (s *Store) Append(sessionID string, entry Entry) (Entry, error) {
	return AppendTo(s.dir, sessionID, entry)
}

// AppendTo appends to a session file in another project directory.
func AppendTo(dir, sessionID string, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.SessionID == "" {
		entry.SessionID = sessionID
	}
	if entry.Type == "" && entry.Role != "" {
		entry.Type = string(entry.Role)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry: %w", err)
	}
	payload = append(payload, '\n')

	path := PathIn(dir, sessionID)
	err = withFileLease(path, func() error {
		return appendBytes(path, payload)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append to session %s: %w", sessionID, err)
	}
	return entry, nil
}

// AppendMissing appends the records whose id is not in the session file yet
// and reports how many it wrote. Each record is one JSON object, written as
// given. Records without an id are always written.
func AppendMissing(dir, sessionID string, records [][]byte) (int, error) {
	path := PathIn(dir, sessionID)
	written := 0
	err := withFileLease(path, func() error {
		existing, _, err := ReadRange(path, 0)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		seen := make(map[string]struct{}, len(existing))
		for _, line := range existing {
			if line.Entry.ID != "" {
				seen[line.Entry.ID] = struct{}{}
			}
		}

		var payload bytes.Buffer
		for _, raw := range records {
			entry, err := DecodeEntry(raw)
			if err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if entry.ID != "" {
				if _, ok := seen[entry.ID]; ok {
					continue
				}
				seen[entry.ID] = struct{}{}
			}
			payload.Write(bytes.TrimSpace(raw))
			payload.WriteByte('\n')
			written++
		}
		if written == 0 {
			return nil
		}
		return appendBytes(path, payload.Bytes())
	})
	if err != nil {
		return 0, fmt.Errorf("append to session %s: %w", sessionID, err)
	}
	return written, nil
}

func appendBytes(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll returns the decodable entries in file order. A missing file is an
// empty session.
func (s *Store) ReadAll(sessionID string) ([]Entry, error) {
	lines, err := s.ReadLines(sessionID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if line.Malformed() {
			log.Debug().Str("session", sessionID).Int64("offset", line.Offset).Err(line.Err).Msg("skipping malformed line")
			continue
		}
		entries = append(entries, line.Entry)
	}
	return entries, nil
}

// ReadLines returns every non-empty line, malformed ones included. A
// trailing line without a newline is included.
func (s *Store) ReadLines(sessionID string) ([]Line, error) {
	data, err := os.ReadFile(s.Path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Line{}, nil
		}
		return nil, err
	}
	return splitLines(data), nil
}

func splitLines(data []byte) []Line {
	lines := make([]Line, 0, bytes.Count(data, []byte{'\n'})+1)
	var offset int64
	for len(data) > 0 {
		n := bytes.IndexByte(data, '\n')
		chunk := data
		if n >= 0 {
			chunk = data[:n+1]
		}
		if len(bytes.TrimSpace(chunk)) > 0 {
			lines = append(lines, newLine(chunk, offset))
		}
		offset += int64(len(chunk))
		data = data[len(chunk):]
	}
	return lines
}

// ReadRange reads complete lines starting at byte offset from. next is the
// offset just past the last newline consumed; a partial trailing line is
// left for the next call.
func ReadRange(path string, from int64) ([]Line, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, from, err
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, from, err
	}

	lines := []Line{}
	next := from
	reader := bufio.NewReader(f)
	for {
		chunk, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, next, nil
			}
			return lines, next, err
		}
		if len(bytes.TrimSpace(chunk)) > 0 {
			lines = append(lines, newLine(chunk, next))
		}
		next += int64(len(chunk))
	}
}

const rewriteAttempts = 3

// Rewrite drops every line keep rejects and reports how many were removed.
// Malformed lines are handed to keep like any other. The previous content
// is kept next to the file as <id>.jsonl.backup.
//
// Producers outside this process do not take the lease, so the file size is
// checked again before the swap and the pass is retried when it grew.
func (s *Store) Rewrite(sessionID string, keep func(Line) bool) (int, error) {
	path := s.Path(sessionID)
	var removed int
	err := withFileLease(path, func() error {
		for attempt := 0; attempt < rewriteAttempts; attempt++ {
			data, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return ErrNotFound
				}
				return err
			}
			kept, n := filterLines(data, keep)
			if n == 0 {
				removed = 0
				return nil
			}
			if info, err := os.Stat(path); err != nil || info.Size() != int64(len(data)) {
				continue
			}
			if err := writeFileAtomic(s.backupPath(sessionID), data, 0o644); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			if err := writeFileAtomic(path, kept, 0o644); err != nil {
				return err
			}
			removed = n
			return nil
		}
		return ErrChanged
	})
	if err != nil {
		return 0, fmt.Errorf("rewrite session %s: %w", sessionID, err)
	}
	return removed, nil
}

func filterLines(data []byte, keep func(Line) bool) ([]byte, int) {
	var out bytes.Buffer
	out.Grow(len(data))
	removed := 0
	var offset int64
	for len(data) > 0 {
		n := bytes.IndexByte(data, '\n')
		chunk := data
		if n >= 0 {
			chunk = data[:n+1]
		}
		if len(bytes.TrimSpace(chunk)) == 0 || keep(newLine(chunk, offset)) {
			out.Write(chunk)
		} else {
			removed++
		}
		offset += int64(len(chunk))
		data = data[len(chunk):]
	}
	return out.Bytes(), removed
}

func (s *Store) backupPath(sessionID string) string {
	return filepath.Join(s.dir, SanitizeID(sessionID)+backupExt)
}

func (s *Store) Exists(sessionID string) bool {
	info, err := os.Stat(s.Path(sessionID))
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) Stat(sessionID string) (FileInfo, bool) {
	path := s.Path(sessionID)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return FileInfo{}, false
	}
	return FileInfo{SessionID: SanitizeID(sessionID), Path: path, Size: info.Size(), ModTime: info.ModTime()}, true
}

// Delete removes the session file and its backup.
func (s *Store) Delete(sessionID string) error {
	path := s.Path(sessionID)
	return withFileLease(path, func() error {
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}
		_ = os.Remove(s.backupPath(sessionID))
		return nil
	})
}

// List reports every session file in the project directory, newest first.
func (s *Store) List() ([]FileInfo, error) {
	return ListDir(s.dir)
}

func ListDir(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			SessionID: SessionIDFromPath(name),
			Path:      filepath.Join(dir, name),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}
