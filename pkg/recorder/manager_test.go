package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/events"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform/sim"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

func TestNewManager_RequiresPlatform(t *testing.T) {
	_, err := NewManager(DefaultManagerConfig(), Options{})
	assert.True(t, rerrors.IsInvalidState(err))
}

func TestManagerConfig_WithDefaults(t *testing.T) {
	cfg := ManagerConfig{TerminateTimeout: time.Second}.withDefaults()

	assert.Equal(t, time.Second, cfg.TerminateTimeout)
	assert.Equal(t, 10*time.Second, cfg.PlatformShutdownTimeout)
	assert.Equal(t, 5*time.Second, cfg.GrammarLoadTimeout)
	assert.Equal(t, 30*time.Second, cfg.PersistTimeout)
	assert.False(t, cfg.ShutdownWhenIdle)
}

func TestManager_AudioVideoCallLifecycle(t *testing.T) {
	h := newHarness(t, keepAlive())
	conv := h.platform.NewConversation("C1", "Weekly sync", alice)

	call, err := h.platform.IncomingCall(conv, platform.MediaAudioVideo, alice)
	require.NoError(t, err)

	s := h.session(t, "C1")
	assert.Equal(t, StateActive, s.State())
	assert.Len(t, recordersOf[*ConversationRecorder](s), 1)
	assert.Len(t, recordersOf[*AudioVideoRecorder](s), 1)
	assert.Equal(t, platform.CallEstablished, call.State())
	requireTree(t, s)

	msgs := s.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "AudioVideo Conversation/Conference Started.", msgs[0].Content())
	assert.Equal(t, transcript.ModalityConversationInfo, msgs[0].Modality())

	call.SetState(platform.CallTerminated, "remote hangup")

	assert.Equal(t, StateTerminated, s.State())
	assert.Empty(t, s.Recorders())
	_, ok := h.manager.Lookup("C1")
	assert.False(t, ok)

	records := h.writer.Records()
	require.Len(t, records, 1)
	assert.Equal(t, s.ID(), records[0].SessionID)
	assert.Equal(t, "C1", records[0].ConversationID)
	assert.Equal(t, storage.ReasonSessionTerminated, records[0].Reason)
	assert.Equal(t, len(s.Messages()), len(records[0].Messages))
	assert.Equal(t, s.Transcript(), records[0].Transcript)

	assert.Equal(t, 1, h.events.Count(events.TypeSessionStarted))
	assert.Equal(t, 1, h.events.Count(events.TypeSessionTerminated))
}

func TestManager_ConcurrentCallsCreateOneSession(t *testing.T) {
	h := newHarness(t, keepAlive())
	conv := h.platform.NewConversation("C3", "", alice)

	var wg sync.WaitGroup
	for _, media := range []platform.MediaType{platform.MediaAudioVideo, platform.MediaInstantMessaging} {
		wg.Add(1)
		go func(media platform.MediaType) {
			defer wg.Done()
			_, err := h.platform.IncomingCall(conv, media, alice)
			assert.NoError(t, err)
		}(media)
	}
	wg.Wait()

	convs, confs := h.manager.Counts()
	assert.Equal(t, 1, convs)
	assert.Equal(t, 0, confs)
	assert.Equal(t, 1, h.events.Count(events.TypeSessionStarted))

	s := h.session(t, "C3")
	assert.Len(t, recordersOf[*ConversationRecorder](s), 1)
	assert.Len(t, recordersOf[*AudioVideoRecorder](s), 1)
	assert.Len(t, recordersOf[*InstantMessageRecorder](s), 1)
	requireTree(t, s)
}

func TestManager_InvitationPromotesSession(t *testing.T) {
	h := newHarness(t, keepAlive())
	conv := h.platform.NewConversation("C2", "Planning", alice)
	uri := "sip:focus@conference.example.com;id=42"

	inv, err := h.platform.Invite(conv, uri, bob)
	require.NoError(t, err)
	assert.True(t, inv.Accepted())

	s, ok := h.manager.LookupConference(uri)
	require.True(t, ok)
	assert.False(t, h.manager.IndexedByConversation("C2"))
	convs, confs := h.manager.Counts()
	assert.Equal(t, 0, convs)
	assert.Equal(t, 1, confs)

	found, ok := h.manager.Lookup("C2")
	require.True(t, ok)
	assert.Same(t, s, found)

	require.NotNil(t, s.ConferenceRecorder())
	assert.True(t, s.ConferenceRecorder().Invited())
	assert.Equal(t, uri, s.PrimaryConferenceURI())
	assert.Equal(t, "Conference Conversation/Conference Started.", s.Messages()[0].Content())

	// A local leg is opened for every modality the conference offers.
	assert.Len(t, recordersOf[*AudioVideoRecorder](s), 1)
	assert.Len(t, recordersOf[*InstantMessageRecorder](s), 1)
	assert.Len(t, conv.Calls(), 2)
	requireTree(t, s)

	assert.Equal(t, 1, h.events.Count(events.TypeSessionPromoted))
}

func TestManager_PromotionConflictKeepsConversationEntry(t *testing.T) {
	h := newHarness(t, keepAlive())
	uri := "sip:focus@conference.example.com;id=7"

	first := h.platform.NewConversation("C20", "", alice)
	_, err := h.platform.Invite(first, uri, bob)
	require.NoError(t, err)
	owner, ok := h.manager.LookupConference(uri)
	require.True(t, ok)

	second := h.platform.NewConversation("C21", "", bob)
	_, err = h.platform.Invite(second, uri, alice)
	require.NoError(t, err)

	assert.True(t, h.manager.IndexedByConversation("C21"))
	still, ok := h.manager.LookupConference(uri)
	require.True(t, ok)
	assert.Same(t, owner, still)
	assert.Equal(t, 1, h.events.Count(events.TypeSessionPromotionConflict))

	other := h.session(t, "C21")
	assert.NotEqual(t, owner.ID(), other.ID())
}

func TestManager_DialOutCallNotSupported(t *testing.T) {
	h := newHarness(t, keepAlive())
	conv := h.platform.NewConversation("C4", "", alice)

	_, err := h.platform.DialOutCall(conv, platform.MediaAudioVideo, bob)
	assert.True(t, rerrors.IsNotSupported(err))

	convs, confs := h.manager.Counts()
	assert.Zero(t, convs)
	assert.Zero(t, confs)
}

func TestManager_ShutdownPersistsActiveSessions(t *testing.T) {
	h := newHarness(t, keepAlive())
	av := h.platform.NewConversation("C9", "", alice)
	im := h.platform.NewConversation("C10", "", bob)
	_, err := h.platform.IncomingCall(av, platform.MediaAudioVideo, alice)
	require.NoError(t, err)
	imCall, err := h.platform.IncomingCall(im, platform.MediaInstantMessaging, bob)
	require.NoError(t, err)
	imCall.SimFlow().Receive(bob, "see you at ten")

	require.NoError(t, h.manager.Shutdown(context.Background()))

	records := h.writer.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, storage.ReasonManagerShutdown, rec.Reason)
	}
	assert.True(t, h.platform.IsShutdown())
	select {
	case <-h.manager.Done():
	default:
		t.Fatal("manager not done after Shutdown")
	}

	// Idempotent.
	require.NoError(t, h.manager.Shutdown(context.Background()))
	assert.Len(t, h.writer.Records(), 2)
	assert.Equal(t, 2, h.events.Count(events.TypeSessionTerminated))

	_, err = h.platform.IncomingCall(h.platform.NewConversation("C11", "", alice), platform.MediaAudioVideo, alice)
	assert.True(t, rerrors.IsShutdown(err))
}

func TestManager_ShutdownRejectsNewSessions(t *testing.T) {
	h := newHarness(t, keepAlive())
	conv := h.platform.NewConversation("C12", "", alice)

	h.manager.convMu.Lock()
	h.manager.closing = true
	h.manager.convMu.Unlock()

	_, err := h.manager.sessionFor(conv, TypeAudioVideo)
	assert.True(t, rerrors.IsShutdown(err))
}

func TestManager_IdleShutdown(t *testing.T) {
	h := newHarness(t, DefaultManagerConfig())
	conv := h.platform.NewConversation("C13", "", alice)
	call, err := h.platform.IncomingCall(conv, platform.MediaAudioVideo, alice)
	require.NoError(t, err)

	call.SetState(platform.CallTerminated, "")

	select {
	case <-h.manager.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not shut down when idle")
	}
	assert.True(t, h.platform.IsShutdown())
	assert.Len(t, h.writer.Records(), 1)
}

func TestManager_PlatformShutdownFailure(t *testing.T) {
	h := newHarness(t, keepAlive())
	h.platform.FailShutdown(errors.New("connection reset"))

	err := h.manager.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, rerrors.IsPlatformCode(err, rerrors.CodeConnection))
}

func TestManager_StartTwice(t *testing.T) {
	h := newHarness(t, keepAlive())
	err := h.manager.Start(context.Background())
	assert.True(t, rerrors.IsInvalidState(err))
}

func TestManager_ContextCancellationShutsDown(t *testing.T) {
	p := sim.New()
	m, err := NewManager(keepAlive(), Options{Platform: p})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after cancellation")
	}
	assert.True(t, p.IsShutdown())
}

func TestManager_PersistFailureIsLogged(t *testing.T) {
	h := newHarness(t, keepAlive())
	h.writer.err = fmt.Errorf("disk full")
	conv := h.platform.NewConversation("C14", "", alice)
	call, err := h.platform.IncomingCall(conv, platform.MediaInstantMessaging, alice)
	require.NoError(t, err)

	call.SetState(platform.CallTerminated, "")

	assert.Len(t, h.writer.Records(), 1)
	assert.Equal(t, 1, h.events.Count(events.TypeSessionTerminated))
}

func TestManager_ShutdownWaitsForEndingSession(t *testing.T) {
	p := sim.New()
	backend := &memWriter{}
	aw, err := storage.NewAsyncWriter(storage.AsyncWriterConfig{Backend: backend})
	require.NoError(t, err)
	m, err := NewManager(keepAlive(), Options{Platform: p, Writer: aw})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	conv := p.NewConversation("C15", "", alice)
	call, err := p.IncomingCall(conv, platform.MediaAudioVideo, alice)
	require.NoError(t, err)
	s, ok := m.Lookup("C15")
	require.True(t, ok)

	// The session starts ending on its own and blocks hanging up the call.
	release := call.HoldTerminate()
	defer release()
	go s.Shutdown()
	require.Eventually(t, func() bool { return call.Terminations() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateTerminated, s.State())

	stopped := make(chan error, 1)
	go func() { stopped <- m.Shutdown(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a session was still ending")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after the session ended")
	}
	require.NoError(t, aw.Close())

	records := backend.Records()
	require.Len(t, records, 1)
	assert.Equal(t, s.ID(), records[0].SessionID)
	assert.Equal(t, storage.ReasonSessionTerminated, records[0].Reason)
}

func TestManager_ShutdownWaitIsBounded(t *testing.T) {
	cfg := keepAlive()
	cfg.TerminateTimeout = 20 * time.Millisecond
	cfg.PersistTimeout = 20 * time.Millisecond
	p := sim.New()
	m, err := NewManager(cfg, Options{Platform: p})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	call, err := p.IncomingCall(p.NewConversation("C16", "", alice), platform.MediaInstantMessaging, alice)
	require.NoError(t, err)
	s, ok := m.Lookup("C16")
	require.True(t, ok)

	release := call.HoldTerminate()
	defer release()
	go s.Shutdown()
	require.Eventually(t, func() bool { return call.Terminations() == 1 }, 2*time.Second, 5*time.Millisecond)

	err = m.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.IsShutdown())
}

// watchLookups polls the manager for the session of conversationID until
// stop is closed, closing found once it first sees it. From then on the
// session must stay findable and the same.
func watchLookups(m *Manager, conversationID string, found chan<- struct{}, stop <-chan struct{}) error {
	var first *Session
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		s, ok := m.Lookup(conversationID)
		if first == nil {
			if ok {
				first = s
				close(found)
			}
			continue
		}
		if !ok {
			return fmt.Errorf("session for %s lost after it was found", conversationID)
		}
		if s != first {
			return fmt.Errorf("lookup of %s returned session %s, then %s", conversationID, first.ID(), s.ID())
		}
		if uri := first.PrimaryConferenceURI(); uri != "" {
			if c, ok := m.LookupConference(uri); ok && c != first {
				return fmt.Errorf("conference %s indexed to session %s, want %s", uri, c.ID(), first.ID())
			}
		}
	}
}

func TestManager_LookupDuringPromotion(t *testing.T) {
	h := newHarness(t, keepAlive())

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("P%d", i)
		conv := h.platform.NewConversation(id, "", alice, bob)

		found := make(chan struct{})
		stop := make(chan struct{})
		result := make(chan error, 1)
		go func() { result <- watchLookups(h.manager, id, found, stop) }()

		if i%2 == 0 {
			_, err := h.platform.Invite(conv, fmt.Sprintf("sip:focus@conference.example.com;id=p%d", i), bob)
			require.NoError(t, err)
		} else {
			_, err := h.platform.IncomingCall(conv, platform.MediaAudioVideo, alice)
			require.NoError(t, err)
			conv.RequestEscalation()
		}

		s := h.session(t, id)
		require.Eventually(t, func() bool {
			uri := s.PrimaryConferenceURI()
			if uri == "" {
				return false
			}
			c, ok := h.manager.LookupConference(uri)
			return ok && c == s
		}, 2*time.Second, time.Millisecond)

		select {
		case <-found:
		case <-time.After(2 * time.Second):
			t.Fatalf("watcher never found session for %s", id)
		}
		close(stop)
		require.NoError(t, <-result)
		assert.False(t, h.manager.IndexedByConversation(id))
	}
}

func TestManager_CloseIfIdleKeepsNewSessions(t *testing.T) {
	h := newHarness(t, keepAlive())
	first, err := h.platform.IncomingCall(h.platform.NewConversation("C17", "", alice), platform.MediaInstantMessaging, alice)
	require.NoError(t, err)

	// A session arriving after the previous one ended keeps the manager open.
	assert.False(t, h.manager.closeIfIdle())
	second, err := h.platform.IncomingCall(h.platform.NewConversation("C18", "", bob), platform.MediaInstantMessaging, bob)
	require.NoError(t, err)
	assert.Equal(t, StateActive, h.session(t, "C18").State())

	first.SetState(platform.CallTerminated, "")
	second.SetState(platform.CallTerminated, "")
	require.Eventually(t, func() bool {
		convs, confs := h.manager.Counts()
		return convs == 0 && confs == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.manager.closeIfIdle())
	assert.False(t, h.manager.closeIfIdle())

	_, err = h.platform.IncomingCall(h.platform.NewConversation("C19", "", alice), platform.MediaInstantMessaging, alice)
	assert.True(t, rerrors.IsShutdown(err))
}
