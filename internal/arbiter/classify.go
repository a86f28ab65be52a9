package arbiter

import (
	"encoding/json"

	"sessionward/internal/sessionlog"
)

const autoSource = "claude_code_auto"

const (
	ReasonOriginalSession = "original_session"
	ReasonUnifiedAt       = "unified_at"
	ReasonAutoSource      = "auto_source"
	ReasonSessionMismatch = "session_mismatch"
	ReasonExplicit        = "explicit_provenance"
)

// Verdict is the classification of one record against the session file it
// is in, or is about to be written to.
type Verdict struct {
	Provenance sessionlog.Provenance `json:"provenance"`
	Reasons    []string              `json:"reasons,omitempty"`
	Origin     string                `json:"origin,omitempty"`
	Malformed  bool                  `json:"malformed,omitempty"`
}

// Foreign reports whether the record does not belong in the file.
func (v Verdict) Foreign() bool {
	return v.Provenance != sessionlog.ProvenanceNative
}

// Classify decodes raw and classifies it. Anything that cannot be decoded
// is native.
func Classify(raw []byte, protectedID string) Verdict {
	entry, err := sessionlog.DecodeEntry(raw)
	if err != nil {
		return Verdict{Provenance: sessionlog.ProvenanceNative, Malformed: true}
	}
	v := ClassifyEntry(entry, protectedID)
	if v.Provenance == sessionlog.ProvenanceNative && len(v.Reasons) == 0 {
		// Markers of the wrong type decode as empty; say so when the key
		// was present at all.
		var fields map[string]json.RawMessage
		if json.Unmarshal(raw, &fields) == nil {
			for _, key := range []string{"originalSession", "unified_at"} {
				if _, ok := fields[key]; ok {
					v.Reasons = append(v.Reasons, "partial_"+key)
				}
			}
		}
	}
	return v
}

// ClassifyEntry applies the marker rules to a decoded entry. Markers always
// make a record foreign. Without them an explicit provenance is taken as
// written. A session id mismatch only counts next to a marker.
func ClassifyEntry(e sessionlog.Entry, protectedID string) Verdict {
	v := Verdict{Provenance: sessionlog.ProvenanceNative, Origin: e.OriginalSession}
	mismatch := e.SessionID != "" && protectedID != "" && e.SessionID != protectedID
	if v.Origin == "" && mismatch {
		v.Origin = e.SessionID
	}

	if e.OriginalSession != "" {
		v.Reasons = append(v.Reasons, ReasonOriginalSession)
	}
	if e.UnifiedAt != "" {
		v.Reasons = append(v.Reasons, ReasonUnifiedAt)
	}
	if e.Source == autoSource {
		v.Reasons = append(v.Reasons, ReasonAutoSource)
	}
	if len(v.Reasons) > 0 {
		if mismatch {
			v.Reasons = append(v.Reasons, ReasonSessionMismatch)
		}
		v.Provenance = sessionlog.ProvenanceForeign
		return v
	}

	if e.Provenance.Valid() {
		v.Provenance = e.Provenance
		v.Reasons = []string{ReasonExplicit}
		if e.Provenance == sessionlog.ProvenanceNative {
			v.Origin = ""
		}
		return v
	}
	v.Origin = ""
	return v
}
