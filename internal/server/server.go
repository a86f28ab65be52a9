package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"

	"sessionward/internal/arbiter"
	"sessionward/internal/chat"
	"sessionward/internal/config"
	"sessionward/internal/log"
	"sessionward/internal/monitor"
	"sessionward/internal/projects"
	"sessionward/internal/registry"
	"sessionward/internal/sessionlog"
)

const (
	chunkWords     = 3
	maxMessageBody = 1 << 20
)

type Deps struct {
	Arbiter   *arbiter.Arbiter
	Registry  registry.Registry
	Monitor   *monitor.Manager
	Projects  *projects.Root
	Responder chat.Responder
}

type Server struct {
	cfg       config.Config
	arbiter   *arbiter.Arbiter
	store     *sessionlog.Store
	validator *arbiter.Validator
	registry  registry.Registry
	monitor   *monitor.Manager
	projects  *projects.Root
	responder chat.Responder

	shutdownMu sync.Once
	reaperStop chan struct{}
	reaperWake chan struct{}

	sseProvider sse.Provider
	publishMu   sync.Mutex

	sessionTimingMu     sync.RWMutex
	sessionIdleTTL      time.Duration
	sessionReapInterval time.Duration
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	replayer, err := sse.NewValidReplayer(24*time.Hour, false)
	if err != nil {
		return nil, err
	}
	validator, err := arbiter.NewValidator()
	if err != nil {
		return nil, err
	}
	responder := deps.Responder
	if responder == nil {
		responder = chat.Echo{}
	}
	s := &Server{
		cfg:                 cfg,
		arbiter:             deps.Arbiter,
		store:               deps.Arbiter.Store(),
		validator:           validator,
		registry:            deps.Registry,
		monitor:             deps.Monitor,
		projects:            deps.Projects,
		responder:           responder,
		reaperStop:          make(chan struct{}),
		reaperWake:          make(chan struct{}, 1),
		sseProvider:         &sse.Joe{Replayer: replayer},
		sessionIdleTTL:      24 * time.Hour,
		sessionReapInterval: time.Minute,
	}
	go s.sessionIdleReaper()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/new-session", s.handleNewSession)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/{id}", s.handleSession)
	mux.HandleFunc("/api/session/{id}/messages", s.handleSessionMessages)
	mux.HandleFunc("/api/session/{id}/sweep", s.handleSessionSweep)
	mux.HandleFunc("/api/session/{id}/dedupe", s.handleSessionDedupe)
	mux.HandleFunc("/api/session/{id}/stream", s.handleSessionStream)
	mux.HandleFunc("/api/monitor/health", s.handleMonitorHealth)
	mux.HandleFunc("/api/monitor/stats", s.handleMonitorStats)
	mux.HandleFunc("/api/monitor/logs", s.handleMonitorLogs)
	mux.HandleFunc("/api/monitor/{action}", s.handleMonitorControl)
	mux.HandleFunc("/api/arbiter/stats", s.handleArbiterStats)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/{slug}/sessions", s.handleProjectSessions)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})

	return log.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		mux.ServeHTTP(w, r)
	}))
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"project":    s.store.Project(),
		"projectDir": s.store.Dir(),
		"policy":     s.arbiter.Policy(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var request struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBody)).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	prompt := strings.TrimSpace(request.Message)
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required."})
		return
	}
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		sessionID = s.registry.Create(registry.SourceWeb).ID
	} else {
		s.registry.Ensure(sessionID, registry.SourceWeb)
	}

	if _, err := s.admit(sessionID, sessionlog.Entry{Role: sessionlog.RoleUser, Content: sessionlog.StringContent(prompt)}); err != nil {
		status, body := s.admitError(err)
		writeJSON(w, status, body)
		return
	}

	w.Header().Set("X-Session-ID", sessionID)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	reply, err := s.responder.Respond(r.Context(), sessionID, prompt)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("responder failed")
		_ = sendSSEData(sess, "", map[string]any{"type": "error", "error": err.Error(), "session_id": sessionID})
		_ = sess.Flush()
		return
	}
	for _, chunk := range chat.Chunks(reply, chunkWords) {
		if err := sendSSEData(sess, "", map[string]any{"type": "text_chunk", "content": chunk, "session_id": sessionID}); err != nil {
			return
		}
		_ = sess.Flush()
	}

	stored, err := s.admit(sessionID, sessionlog.Entry{Role: sessionlog.RoleAssistant, Content: sessionlog.StringContent(reply)})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("store assistant reply")
		_ = sendSSEData(sess, "", map[string]any{"type": "error", "error": err.Error(), "session_id": sessionID})
		_ = sess.Flush()
		return
	}
	_ = sendSSEData(sess, "", map[string]any{"type": "done", "session_id": sessionID, "message_id": stored.Entry.ID})
	_ = sess.Flush()
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	rec := s.registry.Create(registry.SourceWeb)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": rec.ID, "session": rec})
}

// sessionView is a registry record merged with what is on disk.
type sessionView struct {
	registry.Record
	OnDisk bool  `json:"onDisk"`
	Size   int64 `json:"size"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	files, err := s.store.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	onDisk := make(map[string]sessionlog.FileInfo, len(files))
	for _, f := range files {
		onDisk[f.SessionID] = f
	}

	views := make([]sessionView, 0, len(files)+1)
	for _, rec := range s.registry.List() {
		view := sessionView{Record: rec}
		if f, ok := onDisk[sessionlog.SanitizeID(rec.ID)]; ok {
			view.OnDisk, view.Size = true, f.Size
			delete(onDisk, f.SessionID)
		}
		views = append(views, view)
	}
	for _, f := range files {
		if _, ok := onDisk[f.SessionID]; !ok {
			continue
		}
		views = append(views, sessionView{
			Record: registry.Record{ID: f.SessionID, Source: registry.SourceUnknown, LastActivity: f.ModTime},
			OnDisk: true,
			Size:   f.Size,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "total": len(views)})
}

func (s *Server) lookupSession(id string) (sessionView, bool) {
	rec, known := s.registry.Get(id)
	if !known {
		rec = registry.Record{ID: id, Source: registry.SourceUnknown}
	}
	view := sessionView{Record: rec}
	if info, ok := s.store.Stat(id); ok {
		view.OnDisk, view.Size = true, info.Size
		if !known {
			view.LastActivity = info.ModTime
		}
	}
	return view, known || view.OnDisk
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	view, ok := s.lookupSession(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}

	if r.Method == http.MethodDelete {
		if registry.IsProtected(id) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "session is protected"})
			return
		}
		s.registry.Delete(id)
		if view.OnDisk {
			if err := s.store.Delete(id); err != nil && !errors.Is(err, sessionlog.ErrNotFound) {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
		return
	}

	entries, err := s.store.ReadAll(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view, "messages": entries})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read body"})
		return
	}
	if !json.Valid(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	if err := s.validator.Validate(raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	entry, err := sessionlog.DecodeEntry(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}

	s.registry.Ensure(id, registry.SourceUnknown)
	decision, err := s.admit(id, entry)
	if err != nil {
		status, body := s.admitError(err)
		if errors.Is(err, arbiter.ErrBlocked) {
			body["verdict"] = decision.Verdict
		}
		writeJSON(w, status, body)
		return
	}
	status := http.StatusCreated
	if decision.Action == arbiter.ActionRedirected {
		status = http.StatusAccepted
	}
	writeJSON(w, status, decision)
}

// admit arbitrates one write and publishes what landed in the session.
func (s *Server) admit(sessionID string, entry sessionlog.Entry) (arbiter.Decision, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	decision, err := s.arbiter.Admit(sessionID, entry)
	if err != nil {
		return decision, err
	}
	switch decision.Action {
	case arbiter.ActionStored, arbiter.ActionTagged:
		s.registry.Touch(sessionID)
		s.publishEntryLocked(sessionID, decision.Entry)
	}
	return decision, nil
}

func (s *Server) admitError(err error) (int, map[string]any) {
	if errors.Is(err, arbiter.ErrBlocked) {
		return http.StatusForbidden, map[string]any{"error": err.Error()}
	}
	log.Error().Err(err).Msg("append entry")
	return http.StatusInternalServerError, map[string]any{"error": err.Error()}
}

// PublishEntries pushes entries found on disk to live stream subscribers.
func (s *Server) PublishEntries(sessionID string, entries []sessionlog.Entry) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	for _, entry := range entries {
		s.publishEntryLocked(sessionID, entry)
	}
}

func (s *Server) publishEntryLocked(sessionID string, entry sessionlog.Entry) {
	id := entry.ID
	if id == "" {
		id = ulid.Make().String()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	msg := &sse.Message{ID: sse.ID(id)}
	msg.AppendData(string(payload))
	if err := s.sseProvider.Publish(msg, []string{sessionID}); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("publish entry")
	}
}

func (s *Server) handleSessionSweep(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	result, err := s.arbiter.Sweep(id)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "result": result})
}

func (s *Server) handleSessionDedupe(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	removed, err := s.arbiter.Dedupe(id)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "removed": removed})
}

func statusFor(err error) int {
	if errors.Is(err, sessionlog.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session id is required."})
		return
	}

	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	history, err := s.store.ReadAll(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	// Entries up to and including Last-Event-ID were already delivered. An
	// id that is not in the file replays everything.
	start := 0
	if lastEventID != "" {
		for i, entry := range history {
			if entry.ID == lastEventID {
				start = i + 1
				break
			}
		}
	}
	replayCursor := lastEventID
	for _, entry := range history[start:] {
		if err := sendSSEData(sess, entry.ID, entry); err != nil {
			return
		}
		if entry.ID != "" {
			replayCursor = entry.ID
		}
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{id},
	}
	if replayCursor != "" {
		sub.LastEventID = sse.ID(replayCursor)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.sseProvider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-subscribeErr:
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func sendSSEData(sess *sse.Session, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := &sse.Message{}
	if id != "" {
		msg.ID = sse.ID(id)
	}
	msg.AppendData(string(data))
	return sess.Send(msg)
}

func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Health())
}

func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	health := s.monitor.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   health.Status,
		"uptime":   health.UptimeSeconds,
		"restarts": health.Restarts,
		"poller":   s.monitor.Poller().Stats(),
		"arbiter":  s.arbiter.Stats(),
		"interval": s.monitor.Poller().Interval().String(),
	})
}

func (s *Server) handleMonitorLogs(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	errs := s.monitor.Errors(limit)
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs, "total": len(errs)})
}

func (s *Server) handleMonitorControl(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	switch r.PathValue("action") {
	case "start":
		if !s.monitor.Start() {
			writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "monitor is already running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "monitor started"})
	case "stop":
		if err := s.monitor.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "monitor stopped"})
	case "restart":
		err := s.monitor.Restart(r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "monitor restarted"})
		case errors.Is(err, monitor.ErrRestartCooldown):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": err.Error()})
		case errors.Is(err, monitor.ErrRestartLimit):
			writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "message": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": err.Error()})
		}
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	}
}

func (s *Server) handleArbiterStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.arbiter.Stats())
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	list, err := s.projects.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	slug := r.PathValue("slug")
	sessions, err := s.projects.Sessions(slug)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, projects.ErrOutsideRoot) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_name": slug, "sessions": sessions, "total": len(sessions)})
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Do(func() {
		close(s.reaperStop)
	})
	return s.sseProvider.Shutdown(ctx)
}

// sessionIdleReaper forgets registry records nobody has used for a day.
// Their files stay on disk.
func (s *Server) sessionIdleReaper() {
	for {
		select {
		case <-s.reaperStop:
			return
		case <-s.reaperWake:
			continue
		case <-time.After(s.getSessionReapInterval()):
		}
		if reaped := s.registry.ReapIdle(s.getSessionIdleTTL()); len(reaped) > 0 {
			log.Info().Strs("sessions", reaped).Msg("reaped idle sessions")
		}
	}
}

func (s *Server) setSessionTiming(idleTTL, reapInterval time.Duration) {
	s.sessionTimingMu.Lock()
	s.sessionIdleTTL = idleTTL
	s.sessionReapInterval = reapInterval
	s.sessionTimingMu.Unlock()
	select {
	case s.reaperWake <- struct{}{}:
	default:
	}
}

func (s *Server) getSessionIdleTTL() time.Duration {
	s.sessionTimingMu.RLock()
	defer s.sessionTimingMu.RUnlock()
	return s.sessionIdleTTL
}

func (s *Server) getSessionReapInterval() time.Duration {
	s.sessionTimingMu.RLock()
	defer s.sessionTimingMu.RUnlock()
	return s.sessionReapInterval
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
