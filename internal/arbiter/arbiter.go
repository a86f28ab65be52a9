package arbiter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"sessionward/internal/log"
	"sessionward/internal/sessionlog"
)

type Policy string

const (
	PolicyBlock    Policy = "block"
	PolicyRedirect Policy = "redirect"
	PolicySweep    Policy = "sweep"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyBlock, PolicyRedirect, PolicySweep:
		return p, nil
	}
	return "", fmt.Errorf("unknown policy: %q", s)
}

var ErrBlocked = errors.New("write blocked: record is foreign to this session")

type Action string

const (
	ActionStored     Action = "stored"
	ActionRedirected Action = "redirected"
	ActionTagged     Action = "tagged"
	ActionBlocked    Action = "blocked"
)

// Decision is the outcome of one arbitrated write.
type Decision struct {
	Action  Action           `json:"action"`
	Verdict Verdict          `json:"verdict"`
	Entry   sessionlog.Entry `json:"entry"`
	// Target is the session the entry ended up in.
	Target string `json:"target,omitempty"`
}

type RepairResult struct {
	Foreign    int `json:"foreign"`
	Redirected int `json:"redirected"`
	Removed    int `json:"removed"`
}

type Stats struct {
	Policy     Policy   `json:"policy"`
	Admitted   int64    `json:"admitted"`
	Blocked    int64    `json:"blocked"`
	Redirected int64    `json:"redirected"`
	Tagged     int64    `json:"tagged"`
	Swept      int64    `json:"swept"`
	Deduped    int64    `json:"deduped"`
	Origins    []string `json:"origins"`
}

// Arbiter is the single writer for one project directory. Foreign records
// are handled by exactly one policy for the life of the process.
type Arbiter struct {
	policy      Policy
	store       *sessionlog.Store
	redirectDir string

	mu      sync.Mutex
	stats   Stats
	origins map[string]struct{}
}

func New(store *sessionlog.Store, policy Policy, redirectDir string) *Arbiter {
	return &Arbiter{
		policy:      policy,
		store:       store,
		redirectDir: redirectDir,
		stats:       Stats{Policy: policy},
		origins:     map[string]struct{}{},
	}
}

func (a *Arbiter) Policy() Policy {
	return a.policy
}

func (a *Arbiter) Store() *sessionlog.Store {
	return a.store
}

func (a *Arbiter) RedirectDir() string {
	return a.redirectDir
}

// Admit arbitrates a write into sessionID. Provenance supplied by the caller
// is ignored; only the writer decides it.
func (a *Arbiter) Admit(sessionID string, entry sessionlog.Entry) (Decision, error) {
	entry.Provenance = ""
	verdict := ClassifyEntry(entry, sessionID)

	if !verdict.Foreign() {
		entry.Provenance = sessionlog.ProvenanceNative
		stored, err := a.store.Append(sessionID, entry)
		if err != nil {
			return Decision{}, err
		}
		a.count(func(s *Stats) { s.Admitted++ })
		return Decision{Action: ActionStored, Verdict: verdict, Entry: stored, Target: sessionID}, nil
	}

	logger := log.Info().Str("session", sessionID).Str("origin", verdict.Origin).Strs("reasons", verdict.Reasons)
	switch {
	case a.policy == PolicyRedirect && verdict.Origin != "":
		entry.Provenance = sessionlog.ProvenanceRedirected
		stored, err := sessionlog.AppendTo(a.redirectDir, verdict.Origin, entry)
		if err != nil {
			return Decision{}, err
		}
		a.count(func(s *Stats) { s.Redirected++ })
		a.addOrigin(verdict.Origin)
		logger.Msg("redirected foreign write")
		return Decision{Action: ActionRedirected, Verdict: verdict, Entry: stored, Target: verdict.Origin}, nil
	case a.policy == PolicySweep:
		entry.Provenance = sessionlog.ProvenanceForeign
		stored, err := a.store.Append(sessionID, entry)
		if err != nil {
			return Decision{}, err
		}
		a.count(func(s *Stats) { s.Tagged++ })
		logger.Msg("tagged foreign write for sweep")
		return Decision{Action: ActionTagged, Verdict: verdict, Entry: stored, Target: sessionID}, nil
	default:
		a.count(func(s *Stats) { s.Blocked++ })
		logger.Msg("blocked foreign write")
		return Decision{Action: ActionBlocked, Verdict: verdict, Entry: entry}, ErrBlocked
	}
}

// Repair handles foreign lines already present in a session file. With the
// redirect policy they are copied out first; every policy then rewrites the
// file without them. Copies are keyed by record id, so a repair that is
// retried after a failed rewrite does not copy a record twice. A foreign
// line with no origin has nowhere to go and is removed without a copy.
func (a *Arbiter) Repair(sessionID string, foreign []sessionlog.Line) (RepairResult, error) {
	result := RepairResult{Foreign: len(foreign)}
	if len(foreign) == 0 {
		return result, nil
	}

	if a.policy == PolicyRedirect {
		byOrigin := map[string][][]byte{}
		var origins []string
		for _, line := range foreign {
			verdict := Classify(line.Raw, sessionID)
			if verdict.Origin == "" {
				log.Warn().Str("session", sessionID).Int64("offset", line.Offset).Strs("reasons", verdict.Reasons).Msg("foreign line has no origin, removing without a copy")
				continue
			}
			record, err := redirectedRecord(line)
			if err != nil {
				return result, err
			}
			if _, ok := byOrigin[verdict.Origin]; !ok {
				origins = append(origins, verdict.Origin)
			}
			byOrigin[verdict.Origin] = append(byOrigin[verdict.Origin], record)
		}
		for _, origin := range origins {
			records := byOrigin[origin]
			if _, err := sessionlog.AppendMissing(a.redirectDir, origin, records); err != nil {
				return result, err
			}
			result.Redirected += len(records)
			a.addOrigin(origin)
		}
	}

	removed, err := a.store.Rewrite(sessionID, func(line sessionlog.Line) bool {
		return !Classify(line.Raw, sessionID).Foreign()
	})
	if err != nil {
		return result, err
	}
	result.Removed = removed
	a.count(func(s *Stats) {
		s.Redirected += int64(result.Redirected)
		s.Swept += int64(removed)
	})
	if removed > 0 {
		log.Info().Str("session", sessionID).Int("removed", removed).Int("redirected", result.Redirected).Str("policy", string(a.policy)).Msg("repaired session file")
	}
	return result, nil
}

// Sweep classifies every line of the file and repairs it.
func (a *Arbiter) Sweep(sessionID string) (RepairResult, error) {
	if !a.store.Exists(sessionID) {
		return RepairResult{}, sessionlog.ErrNotFound
	}
	lines, err := a.store.ReadLines(sessionID)
	if err != nil {
		return RepairResult{}, err
	}
	foreign := make([]sessionlog.Line, 0)
	for _, line := range lines {
		if Classify(line.Raw, sessionID).Foreign() {
			foreign = append(foreign, line)
		}
	}
	return a.Repair(sessionID, foreign)
}

// Dedupe drops repeated records, keeping the first. Records are keyed by
// their id, or by the digest of their canonical JSON when they have none.
// Malformed lines are never duplicates.
func (a *Arbiter) Dedupe(sessionID string) (int, error) {
	seen := map[string]struct{}{}
	removed, err := a.store.Rewrite(sessionID, func(line sessionlog.Line) bool {
		if line.Malformed() {
			return true
		}
		key, err := dedupeKey(line)
		if err != nil {
			return true
		}
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		return true
	})
	if err != nil {
		return 0, err
	}
	a.count(func(s *Stats) { s.Deduped += int64(removed) })
	return removed, nil
}

// redirectedRecord is the line as its producer wrote it, tagged redirected.
// A record without any id is named by its content digest.
func redirectedRecord(line sessionlog.Line) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line.Raw, &fields); err != nil {
		return nil, fmt.Errorf("decode foreign line: %w", err)
	}
	if _, ok := fields["id"]; !ok {
		id, err := dedupeKey(line)
		if err != nil {
			return nil, err
		}
		fields["id"], _ = json.Marshal(strings.TrimPrefix(id, "id:"))
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"], _ = json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
	}
	fields["provenance"], _ = json.Marshal(sessionlog.ProvenanceRedirected)
	return json.Marshal(fields)
}

func dedupeKey(line sessionlog.Line) (string, error) {
	if line.Entry.ID != "" {
		return "id:" + line.Entry.ID, nil
	}
	canonical, err := jcs.Transform(line.Raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	out.Origins = make([]string, 0, len(a.origins))
	for origin := range a.origins {
		out.Origins = append(out.Origins, origin)
	}
	sort.Strings(out.Origins)
	return out
}

func (a *Arbiter) count(fn func(*Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

func (a *Arbiter) addOrigin(origin string) {
	a.mu.Lock()
	a.origins[origin] = struct{}{}
	a.mu.Unlock()
}
