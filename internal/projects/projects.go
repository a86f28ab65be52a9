package projects

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sessionward/internal/log"
	"sessionward/internal/sessionlog"
)

var ErrOutsideRoot = errors.New("project must be inside the projects root")

// Root is the directory holding one subdirectory per project.
type Root struct {
	path string
	real string
}

type SessionSummary struct {
	SessionID    string     `json:"session_id"`
	Messages     int        `json:"messages_count"`
	Tokens       int64      `json:"tokens_used"`
	CreatedAt    *time.Time `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	Size         int64      `json:"size"`
}

type ProjectSummary struct {
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	SessionsCount int        `json:"sessions_count"`
	TotalMessages int        `json:"total_messages"`
	TotalTokens   int64      `json:"total_tokens"`
	CreatedAt     *time.Time `json:"created_at"`
	LastActivity  *time.Time `json:"last_activity"`
}

// NewRoot resolves path once. A root that does not exist yet is accepted;
// listings are then empty.
func NewRoot(path string) (*Root, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("projects root is required")
	}
	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	real := clean
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		real = resolved
	}
	return &Root{path: clean, real: real}, nil
}

func (r *Root) Path() string {
	return r.real
}

// Resolve returns the directory of one project, refusing anything that
// escapes the root.
func (r *Root) Resolve(slug string) (string, error) {
	if strings.TrimSpace(slug) == "" || strings.ContainsAny(slug, `/\`) || slug == "." || slug == ".." {
		return "", ErrOutsideRoot
	}
	target := filepath.Join(r.real, slug)
	real := target
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		real = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if !strings.HasPrefix(real, r.real+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

// List summarizes every project, most recently active first.
func (r *Root) List() ([]ProjectSummary, error) {
	dirEntries, err := os.ReadDir(r.real)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ProjectSummary{}, nil
		}
		return nil, err
	}

	out := make([]ProjectSummary, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(r.real, entry.Name())
		sessions, err := scanProject(dir)
		if err != nil {
			log.Warn().Err(err).Str("project", entry.Name()).Msg("scan project")
			continue
		}
		summary := ProjectSummary{Name: entry.Name(), Path: dir, SessionsCount: len(sessions)}
		for _, s := range sessions {
			summary.TotalMessages += s.Messages
			summary.TotalTokens += s.Tokens
			if s.CreatedAt != nil && (summary.CreatedAt == nil || s.CreatedAt.Before(*summary.CreatedAt)) {
				created := *s.CreatedAt
				summary.CreatedAt = &created
			}
			if summary.LastActivity == nil || s.LastActivity.After(*summary.LastActivity) {
				last := s.LastActivity
				summary.LastActivity = &last
			}
		}
		out = append(out, summary)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastActivity, out[j].LastActivity
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return out, nil
}

// Sessions summarizes the session files of one project, most recent first.
// An unknown project has no sessions.
func (r *Root) Sessions(slug string) ([]SessionSummary, error) {
	dir, err := r.Resolve(slug)
	if err != nil {
		return nil, err
	}
	return scanProject(dir)
}

func scanProject(dir string) ([]SessionSummary, error) {
	files, err := sessionlog.ListDir(dir)
	if err != nil {
		return nil, err
	}
	sessions := make([]SessionSummary, 0, len(files))
	for _, file := range files {
		summary, err := scanSession(file)
		if err != nil {
			log.Debug().Err(err).Str("file", file.Path).Msg("scan session")
			continue
		}
		sessions = append(sessions, summary)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})
	return sessions, nil
}

type usageLine struct {
	Timestamp string `json:"timestamp"`
	Message   struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func scanSession(file sessionlog.FileInfo) (SessionSummary, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return SessionSummary{}, err
	}
	defer f.Close()

	summary := SessionSummary{SessionID: file.SessionID, Size: file.Size}
	var last time.Time
	reader := bufio.NewReader(f)
	for {
		raw, readErr := reader.ReadBytes('\n')
		if text := strings.TrimSpace(string(raw)); text != "" {
			summary.Messages++
			var line usageLine
			if err := json.Unmarshal([]byte(text), &line); err == nil {
				summary.Tokens += line.Message.Usage.InputTokens + line.Message.Usage.OutputTokens
				if ts, err := time.Parse(time.RFC3339Nano, line.Timestamp); err == nil {
					if summary.CreatedAt == nil || ts.Before(*summary.CreatedAt) {
						created := ts
						summary.CreatedAt = &created
					}
					if ts.After(last) {
						last = ts
					}
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return SessionSummary{}, readErr
			}
			break
		}
	}
	if last.IsZero() {
		last = file.ModTime
	}
	summary.LastActivity = last
	return summary, nil
}
