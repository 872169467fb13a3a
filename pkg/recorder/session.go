package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/otherjamesbrown/penf-recorder/pkg/async"
	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/observability"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// SessionListener is notified of session changes the manager indexes on.
type SessionListener interface {
	// OnSessionChanged is called once the session's conversation joined a
	// conference.
	OnSessionChanged(s *Session)
	// OnSessionShutdown is called exactly once, after the session terminated.
	OnSessionShutdown(s *Session)
}

// sessionDeps are the collaborators a session shares with its manager.
type sessionDeps struct {
	cfg      ManagerConfig
	listener SessionListener
	speech   speech.Factory
	logger   logging.Logger
	metrics  *observability.RecorderMetrics
	tracer   *observability.Tracer
}

// Session records one conversation, and the conference it may be promoted
// to, until its last recorder goes away.
type Session struct {
	id        string
	primary   platform.Conversation
	trigger   Type
	startedAt time.Time

	cfg      ManagerConfig
	listener SessionListener
	speech   speech.Factory
	logger   logging.Logger
	metrics  *observability.RecorderMetrics
	span     trace.Span

	ctx    context.Context
	cancel context.CancelFunc

	lc        lifecycle
	log       *transcript.Log
	terminate *async.Signal
	persisted atomic.Bool

	mu              sync.Mutex
	primaryRecorder *ConversationRecorder
	// conferenceRecorder is set once a conference join has completed.
	conferenceRecorder *ConferenceRecorder
	recorders          map[MediaRecorder]struct{}
	// children maps each conversation recorder to the recorders attached
	// under it. Every recorder but the root sits in exactly one bucket.
	children map[*ConversationRecorder]map[MediaRecorder]struct{}
	parent   map[MediaRecorder]*ConversationRecorder
	// conversations indexes conversation recorders by conversation ID.
	conversations map[string]*ConversationRecorder
	sealed        bool
	endedAt       time.Time
	reason        storage.Reason
}

func newSession(ctx context.Context, id string, primary platform.Conversation, trigger Type, deps sessionDeps) *Session {
	s := &Session{
		id:            id,
		primary:       primary,
		trigger:       trigger,
		startedAt:     time.Now(),
		cfg:           deps.cfg,
		listener:      deps.listener,
		speech:        deps.speech,
		metrics:       deps.metrics,
		log:           transcript.NewLog(),
		terminate:     async.NewSignal(),
		recorders:     make(map[MediaRecorder]struct{}),
		children:      make(map[*ConversationRecorder]map[MediaRecorder]struct{}),
		parent:        make(map[MediaRecorder]*ConversationRecorder),
		conversations: make(map[string]*ConversationRecorder),
	}
	s.logger = deps.logger.With(
		logging.F("session_id", id),
		logging.F("conversation_id", primary.ID()),
	)

	ctx = logging.ContextWithSession(ctx, id, primary.ID())
	ctx, s.span = deps.tracer.StartSessionSpan(ctx, id, primary.ID())
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.OnMessageReceived(infoMessage(primary, transcript.ModalityConversationInfo, "%s", startedContent(trigger)))
	s.lc.activate()
	s.logger.Info("Session started", logging.F("trigger", string(trigger)))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the session lifecycle state.
func (s *Session) State() State { return s.lc.get() }

// PrimaryConversationID returns the ID of the conversation the session follows.
func (s *Session) PrimaryConversationID() string { return s.primary.ID() }

// PrimaryConferenceURI returns the conference the primary conversation
// joined, or "".
func (s *Session) PrimaryConferenceURI() string {
	s.mu.Lock()
	conf := s.conferenceRecorder
	s.mu.Unlock()
	if uri := s.primary.ConferenceURI(); uri != "" {
		return uri
	}
	if conf != nil {
		return conf.URI()
	}
	return ""
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Messages returns a copy of the transcript in append order.
func (s *Session) Messages() []transcript.Message { return s.log.Messages() }

// Transcript returns the transcript in export format.
func (s *Session) Transcript() string { return s.log.Format() }

// Recorders returns the active recorders in no particular order.
func (s *Session) Recorders() []MediaRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MediaRecorder, 0, len(s.recorders))
	for r := range s.recorders {
		out = append(out, r)
	}
	return out
}

// RootRecorder returns the recorder of the primary conversation, or nil
// before the first call or accepted invitation.
func (s *Session) RootRecorder() *ConversationRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryRecorder
}

// ConferenceRecorder returns the recorder of the joined conference, or nil.
func (s *Session) ConferenceRecorder() *ConferenceRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conferenceRecorder
}

// ChildRecorders returns the recorders attached under conv.
func (s *Session) ChildRecorders(conv *ConversationRecorder) []MediaRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.children[conv]
	out := make([]MediaRecorder, 0, len(bucket))
	for r := range bucket {
		out = append(out, r)
	}
	return out
}

// SubConversationRecorder returns the recorder following the conversation
// with the given ID, or nil.
func (s *Session) SubConversationRecorder(conversationID string) *ConversationRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.conversations[conversationID]
	if r == nil || !r.sub {
		return nil
	}
	return r
}

// Participants returns the URIs of the primary conversation's participants.
func (s *Session) Participants() []string {
	ps := s.primary.Participants()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.URI != "" {
			out = append(out, p.URI)
		}
	}
	return out
}

// AddIncomingCall records an inbound call. A recorder of the call's modality
// already attached to the same conversation is replaced.
func (s *Session) AddIncomingCall(call platform.Call) error {
	if err := s.attachCall(call, false); err != nil {
		return err
	}
	return nil
}

// OnActiveMediaTypeCallToEstablish opens the local leg of media in conv. It
// is used after joining an invited conference.
func (s *Session) OnActiveMediaTypeCallToEstablish(conv platform.Conversation, media platform.MediaType) error {
	if _, ok := typeForMedia(media); !ok {
		return fmt.Errorf("media %q: %w", media, rerrors.ErrNotSupported)
	}

	var call platform.Call
	if err := platform.Guard("create call", func() { call = conv.NewCall(media) }); err != nil {
		s.ReportError("create call", err)
		return err
	}
	if call == nil {
		return fmt.Errorf("platform returned no %s call: %w", media, rerrors.ErrInvalidState)
	}
	return s.attachCall(call, true)
}

func (s *Session) attachCall(call platform.Call, outgoing bool) error {
	typ, ok := typeForMedia(call.Media())
	if !ok {
		s.OnMessageReceived(infoMessage(call.Conversation(), transcript.ModalityError, "Unsupported media %q on call %s.", call.Media(), call.ID()))
		return fmt.Errorf("media %q: %w", call.Media(), rerrors.ErrNotSupported)
	}
	convID := call.Conversation().ID()

	var rec callHandle
	switch typ {
	case TypeAudioVideo:
		rec = newAudioVideoRecorder(s, call, s.speech)
	default:
		rec = newInstantMessageRecorder(s, call)
	}

	s.mu.Lock()
	if s.lc.get() == StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.id, rerrors.ErrSessionTerminated)
	}
	stale := s.callRecorderLocked(convID, typ)
	if stale != nil && stale.Call().ID() == call.ID() {
		s.mu.Unlock()
		return nil
	}
	root, created := s.ensureRootLocked()
	parent := root
	if sub, ok := s.conversations[convID]; ok {
		parent = sub
	}
	s.registerLocked(rec, parent)
	var orphans []MediaRecorder
	if stale != nil {
		orphans = s.unregisterLocked(stale)
	}
	s.mu.Unlock()

	if created {
		root.start()
	}
	s.metrics.RecordRecorderCreated(string(typ))

	dir := transcript.DirectionIncoming
	if outgoing {
		dir = transcript.DirectionOutgoing
	}
	s.OnMessageReceived(newMessage(call.Conversation(), transcript.ModalityConversationInfo, dir, senderOf(call.Remote()),
		fmt.Sprintf("Participant added with %s call %s.", typ, call.ID())))

	if stale != nil {
		s.logger.Warn("Replacing recorder of an earlier call",
			logging.F("recorder_type", string(typ)),
			logging.F("stale_call_id", stale.Call().ID()),
			logging.F("call_id", call.ID()))
		stale.Shutdown()
	}
	shutdownAll(orphans)

	rec.start(outgoing)
	return nil
}

// AddIncomingInvitedConference accepts an invitation to the conference of
// the session's conversation. Recorders are created once the platform
// confirms the acceptance.
func (s *Session) AddIncomingInvitedConference(inv platform.ConferenceInvitation) error {
	if s.lc.get() == StateTerminated {
		return fmt.Errorf("session %s: %w", s.id, rerrors.ErrSessionTerminated)
	}

	s.OnMessageReceived(newMessage(inv.Conversation(), transcript.ModalityConferenceInfo, transcript.DirectionIncoming,
		senderOf(inv.Inviter()), fmt.Sprintf("Conference invitation received for %s.", inv.ConferenceURI())))

	done := func(err error) {
		if err != nil {
			s.ReportError("accept invitation", err)
			s.shutdownIfEmpty()
			return
		}
		s.onInvitationAccepted(inv)
	}
	if err := platform.Guard("accept invitation", func() { inv.Accept(done) }); err != nil {
		s.ReportError("accept invitation", err)
		s.shutdownIfEmpty()
		return err
	}
	return nil
}

func (s *Session) onInvitationAccepted(inv platform.ConferenceInvitation) {
	s.mu.Lock()
	if s.lc.get() == StateTerminated {
		s.mu.Unlock()
		return
	}
	root, created := s.ensureRootLocked()
	if s.conferenceLocked() != nil {
		s.mu.Unlock()
		if created {
			root.start()
		}
		return
	}
	conf := newConferenceRecorder(s, s.primary, inv.ConferenceURI())
	s.registerLocked(conf, root)
	s.mu.Unlock()

	if created {
		root.start()
	}
	s.metrics.RecordRecorderCreated(string(TypeConference))
	conf.join()
}

// OnEscalatedConferenceJoinRequested follows a remote escalation of conv into
// a conference. Only the primary conversation can be followed.
func (s *Session) OnEscalatedConferenceJoinRequested(conv platform.Conversation) error {
	if conv.ID() != s.primary.ID() {
		s.OnMessageReceived(infoMessage(conv, transcript.ModalityError,
			"Escalation of sub-conversation %s to a conference is not supported.", conv.ID()))
		s.metrics.RecordUnsupported("sub_conversation_escalation")
		return fmt.Errorf("escalation of conversation %s: %w", conv.ID(), rerrors.ErrNotSupported)
	}

	s.mu.Lock()
	if s.lc.get() == StateTerminated {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.id, rerrors.ErrSessionTerminated)
	}
	if s.conferenceLocked() != nil {
		s.mu.Unlock()
		return nil
	}
	root, created := s.ensureRootLocked()
	conf := newConferenceRecorder(s, conv, "")
	s.registerLocked(conf, root)
	s.mu.Unlock()

	if created {
		root.start()
	}
	s.metrics.RecordRecorderCreated(string(TypeConference))
	s.OnMessageReceived(infoMessage(conv, transcript.ModalityConferenceInfo, "Escalation to a conference requested."))
	conf.join()
	return nil
}

// OnConferenceJoined promotes the session once conf has joined. After an
// invitation, a local leg is opened for every modality the conference offers.
func (s *Session) OnConferenceJoined(conf *ConferenceRecorder) {
	s.mu.Lock()
	if s.lc.get() == StateTerminated {
		s.mu.Unlock()
		return
	}
	if _, ok := s.recorders[conf]; !ok {
		s.mu.Unlock()
		return
	}
	s.conferenceRecorder = conf
	s.mu.Unlock()

	uri := conf.URI()
	observability.NewSpanHelper(s.span).SetConference(uri)
	s.OnMessageReceived(infoMessage(s.primary, transcript.ModalityConferenceInfo, "Conference %s joined.", uri))
	s.listener.OnSessionChanged(s)

	if !conf.Invited() {
		return
	}
	for _, media := range conf.conf.Modalities() {
		typ, ok := typeForMedia(media)
		if !ok {
			continue
		}
		s.mu.Lock()
		existing := s.callRecorderLocked(s.primary.ID(), typ)
		s.mu.Unlock()
		if existing != nil {
			continue
		}
		if err := s.OnActiveMediaTypeCallToEstablish(s.primary, media); err != nil {
			s.logger.Warn("Could not open conference leg",
				logging.F("media", string(media)),
				logging.Err(err))
		}
	}
}

// OnSubConversationAdded attaches requester to sub, creating a recorder for
// sub unless one already follows it.
func (s *Session) OnSubConversationAdded(sub platform.Conversation, requester MediaRecorder) {
	s.mu.Lock()
	if s.lc.get() == StateTerminated {
		s.mu.Unlock()
		return
	}
	if _, ok := s.recorders[requester]; !ok {
		s.mu.Unlock()
		return
	}

	subRec, exists := s.conversations[sub.ID()]
	if !exists {
		subRec = newConversationRecorder(s, sub, true)
		parent := s.parent[requester]
		if parent == nil {
			parent, _ = s.ensureRootLocked()
		}
		s.registerLocked(subRec, parent)
	}
	if subRec == requester {
		s.mu.Unlock()
		return
	}
	s.moveLocked(requester, subRec)
	s.mu.Unlock()

	if !exists {
		s.metrics.RecordRecorderCreated(string(TypeConversation))
		subRec.start()
	}
	s.logger.Debug("Recorder moved to sub-conversation",
		logging.F("sub_conversation_id", sub.ID()),
		logging.F("recorder_type", string(requester.Type())))
}

// OnSubConversationRemoved moves requester out of sub back to where sub was
// attached. The recorder of sub is shut down once nothing is attached to it.
func (s *Session) OnSubConversationRemoved(sub platform.Conversation, requester MediaRecorder) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	subRec, ok := s.conversations[sub.ID()]
	if !ok || subRec == s.primaryRecorder || s.parent[requester] != subRec {
		s.mu.Unlock()
		return
	}
	if target := s.parent[subRec]; target != nil {
		s.moveLocked(requester, target)
	}
	var release []MediaRecorder
	if len(s.children[subRec]) == 0 {
		release = append(release, subRec)
		release = append(release, s.unregisterLocked(subRec)...)
	}
	s.mu.Unlock()

	shutdownAll(release)
}

// OnMediaTranscriptRecorderTerminated removes rec. The session shuts down
// when rec was the primary conversation or conference recorder, or when no
// recorder besides conversation bookkeeping is left.
func (s *Session) OnMediaTranscriptRecorderTerminated(rec MediaRecorder) {
	s.metrics.RecordRecorderTerminated(string(rec.Type()))

	s.mu.Lock()
	if _, ok := s.recorders[rec]; !ok {
		s.mu.Unlock()
		return
	}
	parent := s.parent[rec]
	release := s.unregisterLocked(rec)
	if parent != nil && parent.sub && len(s.children[parent]) == 0 {
		release = append(release, parent)
		release = append(release, s.unregisterLocked(parent)...)
	}

	primary := rec == MediaRecorder(s.primaryRecorder) || rec == MediaRecorder(s.conferenceRecorder)
	empty := !s.hasMediaLocked()
	terminated := s.lc.get() == StateTerminated
	s.mu.Unlock()

	// A terminating session shuts down every registered recorder itself.
	if terminated {
		return
	}
	if primary || empty {
		s.logger.Info("Last or primary recorder terminated",
			logging.F("recorder_type", string(rec.Type())),
			logging.F("primary", primary))
		s.Shutdown()
		return
	}
	shutdownAll(release)
}

// OnMessageReceived appends m to the transcript. Messages arriving after the
// session's final message are dropped.
func (s *Session) OnMessageReceived(m transcript.Message) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		s.logger.Debug("Message after session end dropped", logging.F("modality", string(m.Modality())))
		return
	}
	// Appending under mu keeps append order equal to arrival order and
	// ordered before the final message.
	s.log.Append(m)
	s.mu.Unlock()
	s.metrics.RecordMessage(string(m.Modality()))
}

// ReportError records a failed platform operation as an Error message.
func (s *Session) ReportError(op string, err error) {
	if err == nil {
		return
	}
	pe := rerrors.ClassifyPlatformError(err, op)
	s.metrics.RecordPlatformError(op, string(pe.Code))
	s.logger.Warn("Platform operation failed",
		logging.F("op", op),
		logging.F("code", string(pe.Code)),
		logging.Err(err))
	s.OnMessageReceived(infoMessage(s.primary, transcript.ModalityError, "%s", pe.Error()))
}

// Shutdown ends the session. Later calls are no-ops.
func (s *Session) Shutdown() {
	s.shutdown(storage.ReasonSessionTerminated)
}

func (s *Session) shutdown(reason storage.Reason) {
	if !s.lc.terminate() {
		return
	}

	s.mu.Lock()
	s.reason = reason
	root := s.primaryRecorder
	var others []MediaRecorder
	for r := range s.recorders {
		if r != MediaRecorder(root) {
			others = append(others, r)
		}
	}
	s.mu.Unlock()

	shutdownAll(others)
	if root != nil {
		root.Shutdown()
	}

	s.OnMessageReceived(infoMessage(s.primary, transcript.ModalityConversationInfo, "%s Conversation/Conference Ended.", s.trigger))
	s.terminatePrimary()

	s.mu.Lock()
	s.sealed = true
	s.endedAt = time.Now()
	s.mu.Unlock()

	helper := observability.NewSpanHelper(s.span)
	helper.SetMessageCount(s.log.Len())
	helper.SetSuccess()
	s.span.End()
	s.cancel()

	s.logger.Info("Session terminated",
		logging.F("reason", string(reason)),
		logging.F("messages", s.log.Len()))
	s.listener.OnSessionShutdown(s)
}

// terminatePrimary ends the primary conversation if the platform still has
// it. A failure is recorded and does not stop the shutdown.
func (s *Session) terminatePrimary() {
	if st := s.primary.State(); st.IsTerminal() || st == platform.ConversationIdle {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TerminateTimeout)
	defer cancel()
	err := async.Await(ctx, s.terminate, func(complete func(error)) {
		if gerr := platform.Guard("terminate conversation", func() { s.primary.Terminate(complete) }); gerr != nil {
			complete(gerr)
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Debug("Conversation termination not awaited")
	default:
		s.ReportError("terminate conversation", err)
	}
}

func (s *Session) shutdownIfEmpty() {
	s.mu.Lock()
	empty := !s.hasMediaLocked()
	s.mu.Unlock()
	if empty {
		s.Shutdown()
	}
}

// record builds the persisted form of the finished session.
func (s *Session) record() storage.Record {
	s.mu.Lock()
	reason := s.reason
	endedAt := s.endedAt
	s.mu.Unlock()
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	return storage.Record{
		SessionID:      s.id,
		ConversationID: s.primary.ID(),
		ConferenceURI:  s.PrimaryConferenceURI(),
		Reason:         reason,
		StartedAt:      s.startedAt,
		EndedAt:        endedAt,
		Messages:       s.log.Messages(),
		Transcript:     s.log.Format(),
	}
}

// ensureRootLocked creates the primary conversation recorder on first use.
// The caller starts it after releasing mu when created is true.
func (s *Session) ensureRootLocked() (root *ConversationRecorder, created bool) {
	if s.primaryRecorder != nil {
		return s.primaryRecorder, false
	}
	root = newConversationRecorder(s, s.primary, false)
	s.primaryRecorder = root
	s.recorders[root] = struct{}{}
	s.children[root] = make(map[MediaRecorder]struct{})
	s.conversations[s.primary.ID()] = root
	s.metrics.RecordRecorderCreated(string(TypeConversation))
	return root, true
}

func (s *Session) registerLocked(r MediaRecorder, parent *ConversationRecorder) {
	s.recorders[r] = struct{}{}
	if conv, ok := r.(*ConversationRecorder); ok {
		s.children[conv] = make(map[MediaRecorder]struct{})
		s.conversations[conv.conv.ID()] = conv
	}
	if parent != nil {
		s.children[parent][r] = struct{}{}
		s.parent[r] = parent
	}
}

// unregisterLocked removes r. Recorders attached under a removed
// conversation recorder move up to its parent. It returns recorders that
// must be shut down by the caller.
func (s *Session) unregisterLocked(r MediaRecorder) []MediaRecorder {
	delete(s.recorders, r)
	parent := s.parent[r]
	if parent != nil {
		delete(s.children[parent], r)
	}
	delete(s.parent, r)

	conv, ok := r.(*ConversationRecorder)
	if !ok {
		return nil
	}
	if s.conversations[conv.conv.ID()] == conv {
		delete(s.conversations, conv.conv.ID())
	}
	orphans := s.children[conv]
	delete(s.children, conv)

	var release []MediaRecorder
	for child := range orphans {
		if parent == nil {
			release = append(release, child)
			continue
		}
		s.children[parent][child] = struct{}{}
		s.parent[child] = parent
	}
	return release
}

func (s *Session) moveLocked(r MediaRecorder, to *ConversationRecorder) {
	if from := s.parent[r]; from != nil {
		delete(s.children[from], r)
	}
	s.children[to][r] = struct{}{}
	s.parent[r] = to
}

// callRecorderLocked returns the call recorder of typ attached to the
// conversation with convID.
func (s *Session) callRecorderLocked(convID string, typ Type) callHandle {
	for r := range s.recorders {
		ch, ok := r.(callHandle)
		if !ok || ch.Type() != typ {
			continue
		}
		if ch.conversationID() == convID {
			return ch
		}
	}
	return nil
}

func (s *Session) conferenceLocked() *ConferenceRecorder {
	for r := range s.recorders {
		if c, ok := r.(*ConferenceRecorder); ok {
			return c
		}
	}
	return nil
}

// hasMediaLocked reports whether any recorder other than conversation
// bookkeeping is left.
func (s *Session) hasMediaLocked() bool {
	for r := range s.recorders {
		switch r.(type) {
		case *ConversationRecorder:
		default:
			return true
		}
	}
	return false
}

func shutdownAll(rs []MediaRecorder) {
	for _, r := range rs {
		r.Shutdown()
	}
}
