package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sessionward/internal/arbiter"
	"sessionward/internal/log"
	"sessionward/internal/sessionlog"
)

// LinesFunc receives native lines written by other producers.
type LinesFunc func(sessionID string, entries []sessionlog.Entry)

type Stats struct {
	FilesMonitored int       `json:"files_monitored"`
	BytesProcessed int64     `json:"total_bytes_processed"`
	LinesSeen      int64     `json:"lines_seen"`
	ForeignFound   int64     `json:"foreign_found"`
	Ticks          int64     `json:"ticks"`
	LastActivity   time.Time `json:"last_activity"`
}

// Poller scans a project directory on a fixed interval and repairs session
// files that picked up foreign lines. Polling is authoritative; filesystem
// events only shorten the wait.
type Poller struct {
	dir      string
	arbiter  *arbiter.Arbiter
	interval time.Duration
	onLines  LinesFunc

	mu     sync.Mutex
	files  map[string]fileState
	primed bool
	stats  Stats
}

func NewPoller(a *arbiter.Arbiter, interval time.Duration, onLines LinesFunc) *Poller {
	return &Poller{
		dir:      a.Store().Dir(),
		arbiter:  a,
		interval: interval,
		onLines:  onLines,
		files:    map[string]fileState{},
	}
}

func (p *Poller) Interval() time.Duration {
	return p.interval
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Tick runs one pass over the directory. Files that fail are retried from
// the same offset on the next pass.
func (p *Poller) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := sessionlog.ListDir(p.dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", p.dir, err)
	}

	// Content present before the first pass is repaired but not reported.
	publish := p.primed
	seen := make(map[string]struct{}, len(files))
	var errs []error
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[file.Path] = struct{}{}
		if err := p.scanFile(file, publish); err != nil {
			errs = append(errs, err)
		}
	}
	for path := range p.files {
		if _, ok := seen[path]; !ok {
			delete(p.files, path)
		}
	}

	p.primed = true
	p.stats.FilesMonitored = len(files)
	p.stats.Ticks++
	return errors.Join(errs...)
}

// fileState is how far a file has been read. A file marked for rescan is
// read again from the start without reporting what was already reported.
type fileState struct {
	offset int64
	rescan bool
}

func (p *Poller) scanFile(file sessionlog.FileInfo, publish bool) error {
	state, known := p.files[file.Path]
	offset := state.offset
	if state.rescan {
		offset = 0
		publish = false
	}
	if file.Size < offset {
		log.Debug().Str("file", file.Path).Int64("size", file.Size).Int64("offset", offset).Msg("session file shrank, rescanning")
		offset = 0
		publish = false
	}
	if file.Size == offset && known && !state.rescan {
		return nil
	}

	lines, next, err := sessionlog.ReadRange(file.Path, offset)
	if err != nil {
		return fmt.Errorf("read %s: %w", file.SessionID, err)
	}
	if next == offset {
		p.files[file.Path] = fileState{offset: offset}
		return nil
	}
	consumed := next - offset

	var native []sessionlog.Entry
	var foreign []sessionlog.Line
	var foreignBytes int64
	rescan := false
	for _, line := range lines {
		verdict := arbiter.Classify(line.Raw, file.SessionID)
		switch {
		case verdict.Foreign():
			foreign = append(foreign, line)
			foreignBytes += line.Size
		case !line.Malformed() && line.Entry.Provenance == "":
			// Lines carrying a provenance were written through the arbiter
			// and already published by it.
			native = append(native, line.Entry)
		}
	}

	if len(foreign) > 0 {
		res, err := p.arbiter.Repair(file.SessionID, foreign)
		if err != nil {
			return fmt.Errorf("repair %s: %w", file.SessionID, err)
		}
		next -= foreignBytes
		if res.Removed != len(foreign) {
			// The rewrite saw a different file than this pass did.
			rescan = true
		}
	}

	p.files[file.Path] = fileState{offset: next, rescan: rescan}
	p.stats.BytesProcessed += consumed
	p.stats.LinesSeen += int64(len(lines))
	p.stats.ForeignFound += int64(len(foreign))
	p.stats.LastActivity = time.Now()

	if publish && len(native) > 0 && p.onLines != nil {
		p.onLines(file.SessionID, native)
	}
	return nil
}

// watch nudges the run loop when a session file is written. A watcher
// that cannot be created leaves plain polling in place.
func (p *Poller) watch(ctx context.Context) <-chan struct{} {
	nudges := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("file watcher unavailable, polling only")
		return nudges
	}
	if err := watcher.Add(p.dir); err != nil {
		log.Debug().Err(err).Str("dir", p.dir).Msg("cannot watch project directory, polling only")
		_ = watcher.Close()
		return nudges
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".jsonl") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case nudges <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Msg("file watcher error")
			}
		}
	}()
	return nudges
}

// Run ticks until ctx ends. After each tick, next decides how long to wait
// and whether to keep going; a nil next waits the interval and logs errors.
func (p *Poller) Run(ctx context.Context, next func(error) (time.Duration, bool)) error {
	nudges := p.watch(ctx)
	for {
		err := p.Tick(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		delay, keepGoing := p.interval, true
		if next != nil {
			delay, keepGoing = next(err)
		} else if err != nil {
			log.Warn().Err(err).Msg("monitor tick failed")
		}
		if !keepGoing {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-nudges:
			timer.Stop()
		}
	}
}
