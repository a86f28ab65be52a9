package sessionlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Provenance is set once, by the writer holding the file lease.
type Provenance string

const (
	ProvenanceNative     Provenance = "native"
	ProvenanceRedirected Provenance = "redirected"
	ProvenanceForeign    Provenance = "foreign"
)

func (p Provenance) Valid() bool {
	return p == ProvenanceNative || p == ProvenanceRedirected || p == ProvenanceForeign
}

// Entry is one conversation record. OriginalSession, UnifiedAt and Source
// are legacy markers left by other producers; they are read, never written
// by this package on its own.
type Entry struct {
	ID              string          `json:"id,omitempty"`
	Type            string          `json:"type,omitempty"`
	Role            Role            `json:"role,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	Provenance      Provenance      `json:"provenance,omitempty"`
	OriginalSession string          `json:"originalSession,omitempty"`
	UnifiedAt       string          `json:"unified_at,omitempty"`
	Source          string          `json:"source,omitempty"`
}

// Text flattens the content into plain text. Block lists contribute the
// "text" of every block that has one.
func (e Entry) Text() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// StringContent encodes s as entry content.
func StringContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

var errNotObject = errors.New("line is not a JSON object")

// DecodeEntry parses one line. Only invalid JSON (or a non-object) is an
// error; fields of unexpected type are left empty. Claude CLI records keep
// role and content under "message", those are lifted to the top level.
func DecodeEntry(raw []byte) (Entry, error) {
	raw = bytes.TrimSpace(raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Entry{}, err
	}
	if fields == nil {
		return Entry{}, errNotObject
	}

	e := Entry{
		ID:              stringField(fields, "id"),
		Type:            stringField(fields, "type"),
		Role:            Role(stringField(fields, "role")),
		Timestamp:       stringField(fields, "timestamp"),
		SessionID:       stringField(fields, "sessionId"),
		Provenance:      Provenance(stringField(fields, "provenance")),
		OriginalSession: stringField(fields, "originalSession"),
		UnifiedAt:       stringField(fields, "unified_at"),
		Source:          stringField(fields, "source"),
		Content:         fields["content"],
	}
	if e.ID == "" {
		e.ID = stringField(fields, "uuid")
	}
	if e.SessionID == "" {
		e.SessionID = stringField(fields, "session_id")
	}
	if msgRaw, ok := fields["message"]; ok && (e.Role == "" || len(e.Content) == 0) {
		var msg map[string]json.RawMessage
		if json.Unmarshal(msgRaw, &msg) == nil && msg != nil {
			if e.Role == "" {
				e.Role = Role(stringField(msg, "role"))
			}
			if len(e.Content) == 0 {
				e.Content = msg["content"]
			}
		}
	}
	if e.Role == "" && Role(e.Type).Valid() {
		e.Role = Role(e.Type)
	}
	return e, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Line is one physical line of a session file. Raw has the line ending
// stripped; Size counts it.
type Line struct {
	Raw    []byte
	Offset int64
	Size   int64
	Entry  Entry
	Err    error
}

func (l Line) Malformed() bool {
	return l.Err != nil
}

func newLine(raw []byte, offset int64) Line {
	trimmed := bytes.TrimRight(raw, "\r\n")
	line := Line{Raw: append([]byte(nil), trimmed...), Offset: offset, Size: int64(len(raw))}
	line.Entry, line.Err = DecodeEntry(trimmed)
	return line
}
