// Package sim is an in-memory communications platform. It delivers events
// synchronously on the goroutine of the control method that caused them,
// which keeps tests deterministic, and can replay a YAML scenario.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
)

// Platform is a simulated platform connection.
type Platform struct {
	logger logging.Logger
	ids    atomic.Uint64

	mu            sync.Mutex
	handler       platform.Handler
	shutdown      bool
	shutdownErr   error
	conversations map[string]*Conversation
	handlerErrs   []error
}

// Option configures a Platform.
type Option func(*Platform)

// WithLogger sets the logger used to report rejected events.
func WithLogger(l logging.Logger) Option {
	return func(p *Platform) { p.logger = l }
}

// New creates a simulated platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		logger:        logging.NewNopLogger(),
		conversations: make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.Component("sim-platform"))
	return p
}

var _ platform.Platform = (*Platform)(nil)

// Start registers the handler for inbound events.
func (p *Platform) Start(_ context.Context, h platform.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return fmt.Errorf("platform already started: %w", rerrors.ErrInvalidState)
	}
	p.handler = h
	return nil
}

// Shutdown releases the connection. Inbound events are dropped afterwards.
func (p *Platform) Shutdown(done platform.Completion) {
	p.mu.Lock()
	p.shutdown = true
	err := p.shutdownErr
	p.mu.Unlock()
	done(err)
}

// IsShutdown reports whether Shutdown was called.
func (p *Platform) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// FailShutdown makes Shutdown complete with err.
func (p *Platform) FailShutdown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdownErr = err
}

// HandlerErrors returns the errors the handler returned for inbound events.
func (p *Platform) HandlerErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.handlerErrs...)
}

func (p *Platform) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, p.ids.Add(1))
}

// NewConversation creates a conversation. It is not announced to the handler
// until a call or invitation arrives for it.
func (p *Platform) NewConversation(id, subject string, participants ...platform.Participant) *Conversation {
	if id == "" {
		id = p.nextID("conv")
	}
	c := &Conversation{
		p:            p,
		id:           id,
		subject:      subject,
		state:        platform.ConversationIdle,
		participants: append([]platform.Participant(nil), participants...),
	}
	c.conference = &Conference{
		conv:       c,
		state:      platform.ConferenceIdle,
		modalities: []platform.MediaType{platform.MediaAudioVideo, platform.MediaInstantMessaging},
	}

	p.mu.Lock()
	p.conversations[id] = c
	p.mu.Unlock()
	return c
}

// Conversation returns a conversation created by NewConversation.
func (p *Platform) Conversation(id string) (*Conversation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conversations[id]
	return c, ok
}

// IncomingCall delivers an inbound call of media from remote in conv.
func (p *Platform) IncomingCall(conv *Conversation, media platform.MediaType, remote platform.Participant) (*Call, error) {
	call := conv.newCall(media, remote, false)
	call.setStateQuiet(platform.CallIncoming)
	err := p.deliverCall(platform.CallReceived{Call: call, NewConversation: conv.announce()})
	return call, err
}

// DialOutCall delivers a call that arrives for a conference the platform is
// dialing out to.
func (p *Platform) DialOutCall(conv *Conversation, media platform.MediaType, remote platform.Participant) (*Call, error) {
	call := conv.newCall(media, remote, true)
	call.setStateQuiet(platform.CallIncoming)
	conv.announce()
	err := p.deliverCall(platform.CallReceived{Call: call, ConferenceDialOut: true})
	return call, err
}

// Invite delivers a conference invitation for conv.
func (p *Platform) Invite(conv *Conversation, uri string, inviter platform.Participant) (*Invitation, error) {
	inv := &Invitation{id: p.nextID("invite"), conv: conv, uri: uri, inviter: inviter}
	conv.announce()

	h, ok := p.activeHandler()
	if !ok {
		return inv, rerrors.ErrShutdown
	}
	err := h.OnConferenceInvitationReceived(inv)
	p.recordHandlerErr("invitation", err)
	return inv, err
}

func (p *Platform) deliverCall(ev platform.CallReceived) error {
	h, ok := p.activeHandler()
	if !ok {
		return rerrors.ErrShutdown
	}
	err := h.OnCallReceived(ev)
	p.recordHandlerErr("call", err)
	return err
}

func (p *Platform) activeHandler() (platform.Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == nil || p.shutdown {
		return nil, false
	}
	return p.handler, true
}

func (p *Platform) recordHandlerErr(event string, err error) {
	if err == nil {
		return
	}
	p.logger.Warn("Handler rejected event", logging.F("event", event), logging.Err(err))
	p.mu.Lock()
	p.handlerErrs = append(p.handlerErrs, err)
	p.mu.Unlock()
}

// Invitation is a simulated conference invitation.
type Invitation struct {
	id      string
	conv    *Conversation
	uri     string
	inviter platform.Participant

	mu       sync.Mutex
	failNext error
	accepted bool
}

var _ platform.ConferenceInvitation = (*Invitation)(nil)

func (i *Invitation) ID() string                          { return i.id }
func (i *Invitation) Conversation() platform.Conversation { return i.conv }
func (i *Invitation) ConferenceURI() string               { return i.uri }
func (i *Invitation) Inviter() platform.Participant       { return i.inviter }

// FailAccept makes the next Accept complete with err.
func (i *Invitation) FailAccept(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failNext = err
}

// Accepted reports whether Accept succeeded.
func (i *Invitation) Accepted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted
}

func (i *Invitation) Accept(done platform.Completion) {
	i.mu.Lock()
	err := i.failNext
	i.failNext = nil
	if err == nil {
		i.accepted = true
	}
	i.mu.Unlock()

	if err == nil {
		i.conv.setState(platform.ConversationEstablished)
	}
	done(err)
}

// observers is a small copy-on-notify observer list.
type observers[T comparable] struct {
	list []T
}

func (o *observers[T]) add(v T) {
	for _, existing := range o.list {
		if existing == v {
			return
		}
	}
	o.list = append(o.list, v)
}

func (o *observers[T]) remove(v T) {
	for i, existing := range o.list {
		if existing == v {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *observers[T]) snapshot() []T {
	return append([]T(nil), o.list...)
}
