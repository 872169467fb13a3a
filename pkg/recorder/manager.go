package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/penf-recorder/pkg/async"
	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/events"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/observability"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
)

// ManagerConfig holds the manager's timeouts and shutdown policy.
type ManagerConfig struct {
	// ShutdownWhenIdle shuts the manager down once the last session ended.
	ShutdownWhenIdle bool
	// PlatformShutdownTimeout bounds the wait for the platform to release
	// its connection.
	PlatformShutdownTimeout time.Duration
	// GrammarLoadTimeout bounds loading the speech grammar of a call.
	GrammarLoadTimeout time.Duration
	// TerminateTimeout bounds the wait for the primary conversation to end.
	TerminateTimeout time.Duration
	// PersistTimeout bounds handing one transcript to storage.
	PersistTimeout time.Duration
}

// DefaultManagerConfig returns the configuration used when none is given.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ShutdownWhenIdle:        true,
		PlatformShutdownTimeout: 10 * time.Second,
		GrammarLoadTimeout:      5 * time.Second,
		TerminateTimeout:        5 * time.Second,
		PersistTimeout:          30 * time.Second,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.PlatformShutdownTimeout <= 0 {
		c.PlatformShutdownTimeout = d.PlatformShutdownTimeout
	}
	if c.GrammarLoadTimeout <= 0 {
		c.GrammarLoadTimeout = d.GrammarLoadTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = d.TerminateTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// Options are the manager's collaborators. Only Platform is required.
type Options struct {
	Platform platform.Platform
	// Writer receives the transcript of every finished session.
	Writer   storage.Writer
	Speech   speech.Factory
	Listener events.Listener
	Logger   logging.Logger
	Metrics  *observability.RecorderMetrics
	Tracer   *observability.Tracer
}

// Manager routes platform events to sessions. Sessions are indexed by
// conversation until their conversation joins a conference, and by
// conference afterwards.
type Manager struct {
	cfg      ManagerConfig
	platform platform.Platform
	writer   storage.Writer
	speech   speech.Factory
	listener events.Listener
	logger   logging.Logger
	metrics  *observability.RecorderMetrics
	tracer   *observability.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// convMu is always taken before confMu.
	convMu         sync.Mutex
	byConversation map[string]*Session
	closing        bool

	confMu       sync.Mutex
	byConference map[string]*Session

	// live counts sessions whose transcript has not been handed to the
	// writer yet, including sessions already unindexed but still ending.
	live sync.WaitGroup

	started      atomic.Bool
	shuttingDown atomic.Bool
	done         chan struct{}
	shutdownErr  error
}

var (
	_ platform.Handler = (*Manager)(nil)
	_ SessionListener  = (*Manager)(nil)
)

// NewManager creates a manager. Zero timeouts in cfg take their defaults.
func NewManager(cfg ManagerConfig, opts Options) (*Manager, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("manager requires a platform: %w", rerrors.ErrInvalidState)
	}
	if opts.Writer == nil {
		opts.Writer = storage.Discard
	}
	if opts.Speech == nil {
		opts.Speech = speech.Nop()
	}
	if opts.Listener == nil {
		opts.Listener = events.Listeners{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg.withDefaults(),
		platform:       opts.Platform,
		writer:         opts.Writer,
		speech:         opts.Speech,
		listener:       opts.Listener,
		logger:         opts.Logger.With(logging.Component("session-manager")),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		ctx:            ctx,
		cancel:         cancel,
		byConversation: make(map[string]*Session),
		byConference:   make(map[string]*Session),
		done:           make(chan struct{}),
	}, nil
}

// Start registers the manager with the platform. The manager shuts down when
// ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("manager already started: %w", rerrors.ErrInvalidState)
	}
	if err := m.platform.Start(ctx, m); err != nil {
		return fmt.Errorf("start platform: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			if err := m.Shutdown(context.Background()); err != nil {
				m.logger.Warn("Shutdown after cancellation failed", logging.Err(err))
			}
		case <-m.done:
		}
	}()

	m.logger.Info("Session manager started")
	return nil
}

// Done is closed once Shutdown has completed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// OnCallReceived routes an inbound call to the session of its conversation,
// creating the session for a conversation not tracked yet.
func (m *Manager) OnCallReceived(ev platform.CallReceived) error {
	call := ev.Call
	if call == nil {
		return fmt.Errorf("call event without call: %w", rerrors.ErrInvalidState)
	}
	if ev.ConferenceDialOut {
		m.metrics.RecordUnsupported("conference_dial_out")
		m.logger.Warn("Calls for dialed-out conferences are not recorded",
			logging.F("call_id", call.ID()),
			logging.F("conversation_id", call.Conversation().ID()))
		return fmt.Errorf("call %s for a dialed-out conference: %w", call.ID(), rerrors.ErrNotSupported)
	}
	trigger, ok := typeForMedia(call.Media())
	if !ok {
		m.metrics.RecordUnsupported("media")
		return fmt.Errorf("call %s with media %q: %w", call.ID(), call.Media(), rerrors.ErrNotSupported)
	}

	// A session found here may terminate before the call is attached; the
	// second attempt then creates its successor.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s *Session
		s, err = m.sessionFor(call.Conversation(), trigger)
		if err != nil {
			return err
		}
		err = s.AddIncomingCall(call)
		if !rerrors.IsSessionTerminated(err) {
			return err
		}
	}
	return err
}

// OnConferenceInvitationReceived routes an invitation to the session of its
// conversation, creating the session when needed.
func (m *Manager) OnConferenceInvitationReceived(inv platform.ConferenceInvitation) error {
	if inv == nil || inv.Conversation() == nil {
		return fmt.Errorf("invitation without conversation: %w", rerrors.ErrInvalidState)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s *Session
		s, err = m.sessionFor(inv.Conversation(), TypeConference)
		if err != nil {
			return err
		}
		err = s.AddIncomingInvitedConference(inv)
		if !rerrors.IsSessionTerminated(err) {
			return err
		}
	}
	return err
}

// sessionFor returns the live session tracking conv, creating one when there
// is none. Both indices are held for the lookup and the insert, so concurrent
// events for a new conversation create exactly one session.
func (m *Manager) sessionFor(conv platform.Conversation, trigger Type) (*Session, error) {
	m.convMu.Lock()
	m.confMu.Lock()
	if m.closing {
		m.confMu.Unlock()
		m.convMu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conv.ID(), rerrors.ErrShutdown)
	}
	if s := m.lookupLocked(conv.ID(), conv.ConferenceURI()); s != nil {
		m.confMu.Unlock()
		m.convMu.Unlock()
		return s, nil
	}

	s := newSession(m.ctx, uuid.NewString(), conv, trigger, sessionDeps{
		cfg:      m.cfg,
		listener: m,
		speech:   m.speech,
		logger:   m.logger,
		metrics:  m.metrics,
		tracer:   m.tracer,
	})
	m.byConversation[conv.ID()] = s
	m.live.Add(1)
	m.updateGaugesLocked()
	m.confMu.Unlock()
	m.convMu.Unlock()

	m.metrics.RecordSessionStarted(string(trigger))
	m.emit(events.TypeSessionStarted, s)
	return s, nil
}

// lookupLocked finds the live session following the conversation, whether
// it is still indexed by conversation or already promoted.
func (m *Manager) lookupLocked(conversationID, conferenceURI string) *Session {
	if s, ok := m.byConversation[conversationID]; ok && s.State() != StateTerminated {
		return s
	}
	if conferenceURI != "" {
		if s, ok := m.byConference[conferenceURI]; ok && s.State() != StateTerminated {
			return s
		}
	}
	for _, s := range m.byConference {
		if s.PrimaryConversationID() == conversationID && s.State() != StateTerminated {
			return s
		}
	}
	return nil
}

// OnSessionChanged moves a session whose conversation joined a conference
// from the conversation index to the conference index. When another session
// already holds the conference, the session stays indexed by conversation.
func (m *Manager) OnSessionChanged(s *Session) {
	uri := s.PrimaryConferenceURI()
	if uri == "" {
		return
	}
	logger := m.logger.With(logging.F("session_id", s.ID()), logging.F("conference_uri", uri))

	m.convMu.Lock()
	m.confMu.Lock()
	tracked := m.byConversation[s.PrimaryConversationID()] == s
	existing, indexed := m.byConference[uri]
	conflict := indexed && existing != s
	if tracked && !conflict {
		m.byConference[uri] = s
		delete(m.byConversation, s.PrimaryConversationID())
		m.updateGaugesLocked()
	}
	m.confMu.Unlock()
	m.convMu.Unlock()

	switch {
	case conflict:
		logger.Warn("Conference already indexed for another session; keeping conversation entry",
			logging.F("existing_session_id", existing.ID()))
		m.metrics.RecordPromotion("conflict")
		m.emit(events.TypeSessionPromotionConflict, s)
	case tracked:
		logger.Info("Session promoted to conference")
		m.metrics.RecordPromotion("promoted")
		m.emit(events.TypeSessionPromoted, s)
	}
}

// OnSessionShutdown unindexes a finished session and persists its transcript
// once. The manager shuts itself down when the last session is gone and
// ShutdownWhenIdle is set.
func (m *Manager) OnSessionShutdown(s *Session) {
	m.convMu.Lock()
	m.confMu.Lock()
	for id, cur := range m.byConversation {
		if cur == s {
			delete(m.byConversation, id)
		}
	}
	for uri, cur := range m.byConference {
		if cur == s {
			delete(m.byConference, uri)
		}
	}
	idle := !m.closing && len(m.byConversation) == 0 && len(m.byConference) == 0
	m.updateGaugesLocked()
	m.confMu.Unlock()
	m.convMu.Unlock()

	if !m.persist(s) {
		return
	}
	rec := s.record()
	m.metrics.RecordSessionTerminated(string(rec.Reason), rec.EndedAt.Sub(rec.StartedAt).Seconds())
	m.emit(events.TypeSessionTerminated, s)
	m.live.Done()

	if idle && m.cfg.ShutdownWhenIdle {
		go func() {
			if !m.closeIfIdle() {
				return
			}
			m.logger.Info("No sessions left; shutting down")
			if err := m.Shutdown(context.Background()); err != nil {
				m.logger.Warn("Idle shutdown failed", logging.Err(err))
			}
		}()
	}
}

// closeIfIdle stops accepting sessions when both indices are still empty.
// A session created since the last one ended keeps the manager running.
func (m *Manager) closeIfIdle() bool {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	m.confMu.Lock()
	defer m.confMu.Unlock()
	if m.closing || len(m.byConversation) != 0 || len(m.byConference) != 0 {
		return false
	}
	m.closing = true
	return true
}

// persist hands the session's transcript to storage. It reports false when
// the session was already persisted.
func (m *Manager) persist(s *Session) bool {
	if !s.persisted.CompareAndSwap(false, true) {
		return false
	}
	rec := s.record()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	ctx, span := m.tracer.StartPersistSpan(ctx, rec.SessionID, string(rec.Reason))
	defer span.End()
	helper := observability.NewSpanHelper(span)
	helper.SetMessageCount(len(rec.Messages))

	start := time.Now()
	err := m.writer.Write(ctx, rec)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		helper.SetError(err, "persist")
		m.metrics.RecordPersist("error", elapsed)
		m.logger.Error("Failed to persist transcript",
			logging.F("session_id", rec.SessionID),
			logging.F("messages", len(rec.Messages)),
			logging.Err(err))
		return true
	}
	helper.SetSuccess()
	m.metrics.RecordPersist("success", elapsed)
	m.logger.Info("Transcript persisted",
		logging.F("session_id", rec.SessionID),
		logging.F("reason", string(rec.Reason)),
		logging.F("messages", len(rec.Messages)))
	return true
}

// Shutdown terminates every session, persisting its transcript, and releases
// the platform. It is safe to call more than once and from any goroutine;
// later callers wait for the first to finish or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		select {
		case <-m.done:
			return m.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.shutdownErr = m.shutdown(ctx)
	close(m.done)
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.convMu.Lock()
	m.confMu.Lock()
	m.closing = true
	sessions := m.sessionsLocked()
	m.confMu.Unlock()
	m.convMu.Unlock()

	m.logger.Info("Shutting down session manager", logging.F("sessions", len(sessions)))

	// Pending waits inside sessions observe the cancellation instead of
	// blocking on events that will not arrive.
	m.cancel()
	for _, s := range sessions {
		s.shutdown(storage.ReasonManagerShutdown)
	}

	var errs []error
	// Sessions that began ending on a platform goroutine are persisted
	// before the writer is flushed.
	if err := m.waitPersisted(ctx); err != nil {
		errs = append(errs, err)
	}
	if f, ok := m.writer.(storage.Flusher); ok {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
		if err := f.Flush(fctx); err != nil {
			errs = append(errs, fmt.Errorf("flush transcripts: %w", err))
		}
		cancel()
	}

	if m.started.Load() {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PlatformShutdownTimeout)
		err := async.Await(pctx, async.NewSignal(), func(complete func(error)) {
			if gerr := platform.Guard("shutdown platform", func() { m.platform.Shutdown(complete) }); gerr != nil {
				complete(gerr)
			}
		})
		cancel()
		if err != nil {
			pe := rerrors.ClassifyPlatformError(err, "shutdown platform")
			m.metrics.RecordPlatformError(pe.Op, string(pe.Code))
			errs = append(errs, pe)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("Session manager stopped with errors", logging.Err(err))
	} else {
		m.logger.Info("Session manager stopped")
	}
	return err
}

// waitPersisted waits until every session created so far has handed its
// transcript to the writer.
func (m *Manager) waitPersisted(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TerminateTimeout+m.cfg.PersistTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transcripts to be persisted: %w", ctx.Err())
	}
}

// Lookup returns the live session following the conversation, promoted or not.
func (m *Manager) Lookup(conversationID string) (*Session, bool) {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	m.confMu.Lock()
	defer m.confMu.Unlock()
	s := m.lookupLocked(conversationID, "")
	return s, s != nil
}

// LookupConference returns the session indexed under the conference URI.
func (m *Manager) LookupConference(uri string) (*Session, bool) {
	m.confMu.Lock()
	defer m.confMu.Unlock()
	s, ok := m.byConference[uri]
	return s, ok
}

// IndexedByConversation reports whether a session is indexed under the
// conversation ID, that is, not promoted.
func (m *Manager) IndexedByConversation(conversationID string) bool {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	_, ok := m.byConversation[conversationID]
	return ok
}

// Sessions returns every indexed session.
func (m *Manager) Sessions() []*Session {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	m.confMu.Lock()
	defer m.confMu.Unlock()
	return m.sessionsLocked()
}

// Counts returns the sizes of the conversation and conference indices.
func (m *Manager) Counts() (conversations, conferences int) {
	m.convMu.Lock()
	defer m.convMu.Unlock()
	m.confMu.Lock()
	defer m.confMu.Unlock()
	return len(m.byConversation), len(m.byConference)
}

func (m *Manager) sessionsLocked() []*Session {
	seen := make(map[*Session]struct{}, len(m.byConversation)+len(m.byConference))
	out := make([]*Session, 0, len(seen))
	add := func(s *Session) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range m.byConversation {
		add(s)
	}
	for _, s := range m.byConference {
		add(s)
	}
	return out
}

func (m *Manager) updateGaugesLocked() {
	m.metrics.SetSessionsActive(len(m.byConversation), len(m.byConference))
}

// emit delivers a lifecycle event. Listener failures are logged only.
func (m *Manager) emit(eventType string, s *Session) {
	ev := events.SessionEvent{
		BaseEvent:      events.NewBaseEvent(eventType),
		SessionID:      s.ID(),
		ConversationID: s.PrimaryConversationID(),
		ConferenceURI:  s.PrimaryConferenceURI(),
		State:          s.State().String(),
		MessageCount:   len(s.Messages()),
		Participants:   s.Participants(),
	}
	ev.TraceID = observability.GetTraceID(s.ctx)
	if eventType == events.TypeSessionTerminated {
		rec := s.record()
		ev.Reason = string(rec.Reason)
		ev.DurationSeconds = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	if err := m.listener.OnSessionEvent(ctx, ev); err != nil {
		m.logger.Warn("Session event listener failed",
			logging.F("event_type", eventType),
			logging.F("session_id", s.ID()),
			logging.Err(err))
	}
}
