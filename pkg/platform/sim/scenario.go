package sim

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	rerrors "github.com/otherjamesbrown/penf-recorder/pkg/errors"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
)

// Action names a scenario step.
type Action string

const (
	ActionIncomingCall      Action = "incoming_call"
	ActionDialOut           Action = "dial_out"
	ActionInvite            Action = "invite"
	ActionCallState         Action = "call_state"
	ActionFlowState         Action = "flow_state"
	ActionInstantMessage    Action = "instant_message"
	ActionSpeak             Action = "speak"
	ActionParticipantJoined Action = "participant_joined"
	ActionParticipantLeft   Action = "participant_left"
	ActionProperty          Action = "property"
	ActionEscalate          Action = "escalate"
	ActionTransfer          Action = "transfer"
	ActionConferenceState   Action = "conference_state"
	ActionRoster            Action = "roster"
	ActionConversationState Action = "conversation_state"
	ActionFail              Action = "fail"
	ActionWait              Action = "wait"
)

// Scenario is a scripted sequence of platform events.
type Scenario struct {
	Name          string                 `yaml:"name"`
	Conversations []ScenarioConversation `yaml:"conversations"`
	Steps         []Step                 `yaml:"steps"`
}

// ScenarioConversation declares a conversation used by the steps.
type ScenarioConversation struct {
	ID           string                 `yaml:"id"`
	Subject      string                 `yaml:"subject"`
	Participants []platform.Participant `yaml:"participants"`
	Modalities   []platform.MediaType   `yaml:"modalities"`
}

// Step is one scenario event. Which fields apply depends on the action.
type Step struct {
	Action       Action               `yaml:"action"`
	Conversation string               `yaml:"conversation"`
	Call         string               `yaml:"call"`
	Media        platform.MediaType   `yaml:"media"`
	From         platform.Participant `yaml:"from"`
	URI          string               `yaml:"uri"`
	State        string               `yaml:"state"`
	Reason       string               `yaml:"reason"`
	Text         string               `yaml:"text"`
	Outcome      speech.Outcome       `yaml:"outcome"`
	Confidence   float64              `yaml:"confidence"`
	Name         string               `yaml:"name"`
	Value        string               `yaml:"value"`
	To           string               `yaml:"to"`
	Joined       bool                 `yaml:"joined"`
	Op           string               `yaml:"op"`
	Code         rerrors.ErrorCode    `yaml:"code"`
	Message      string               `yaml:"message"`
	Duration     string               `yaml:"duration"`
}

// LoadScenario reads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step references declared conversations and uses
// a known action.
func (sc *Scenario) Validate() error {
	convs := make(map[string]bool, len(sc.Conversations))
	for _, c := range sc.Conversations {
		if c.ID == "" {
			return fmt.Errorf("conversation without id")
		}
		convs[c.ID] = true
	}
	for i, st := range sc.Steps {
		switch st.Action {
		case ActionIncomingCall, ActionDialOut:
			if st.Call == "" || st.Media == "" {
				return fmt.Errorf("step %d (%s): call and media are required", i+1, st.Action)
			}
		case ActionTransfer:
			if st.Call == "" || st.To == "" {
				return fmt.Errorf("step %d (%s): call and to are required", i+1, st.Action)
			}
			convs[st.To] = true
		case ActionWait:
			if _, err := time.ParseDuration(st.Duration); err != nil {
				return fmt.Errorf("step %d (%s): invalid duration: %w", i+1, st.Action, err)
			}
			continue
		case ActionCallState, ActionFlowState, ActionInstantMessage, ActionSpeak,
			ActionParticipantJoined, ActionParticipantLeft, ActionProperty, ActionEscalate,
			ActionInvite, ActionConferenceState, ActionRoster, ActionConversationState, ActionFail:
		default:
			return fmt.Errorf("step %d: unknown action %q", i+1, st.Action)
		}
		if st.Conversation != "" && !convs[st.Conversation] {
			return fmt.Errorf("step %d (%s): unknown conversation %q", i+1, st.Action, st.Conversation)
		}
	}
	return nil
}

// Player replays a scenario against a Platform.
type Player struct {
	p      *Platform
	logger logging.Logger
	calls  map[string]*Call
}

// NewPlayer creates a player for p.
func NewPlayer(p *Platform, logger logging.Logger) *Player {
	return &Player{
		p:      p,
		logger: logger.With(logging.Component("scenario")),
		calls:  make(map[string]*Call),
	}
}

// Play creates the scenario's conversations and runs its steps in order.
// Errors returned by the handler are logged and do not stop playback.
func (pl *Player) Play(ctx context.Context, sc *Scenario) error {
	for _, c := range sc.Conversations {
		conv := pl.p.NewConversation(c.ID, c.Subject, c.Participants...)
		if len(c.Modalities) > 0 {
			conv.SimConference().SetModalities(c.Modalities...)
		}
	}

	pl.logger.Info("Playing scenario",
		logging.F("scenario", sc.Name),
		logging.F("steps", len(sc.Steps)))

	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pl.step(ctx, st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, st.Action, err)
		}
	}
	return nil
}

func (pl *Player) step(ctx context.Context, st Step) error {
	switch st.Action {
	case ActionIncomingCall:
		conv, err := pl.conversation(st.Conversation)
		if err != nil {
			return err
		}
		call, err := pl.p.IncomingCall(conv, st.Media, st.From)
		pl.calls[st.Call] = call
		pl.logHandlerErr(st, err)

	case ActionDialOut:
		conv, err := pl.conversation(st.Conversation)
		if err != nil {
			return err
		}
		call, err := pl.p.DialOutCall(conv, st.Media, st.From)
		pl.calls[st.Call] = call
		pl.logHandlerErr(st, err)

	case ActionInvite:
		conv, err := pl.conversation(st.Conversation)
		if err != nil {
			return err
		}
		_, err = pl.p.Invite(conv, st.URI, st.From)
		pl.logHandlerErr(st, err)

	case ActionCallState:
		call, err := pl.call(st.Call)
		if err != nil {
			return err
		}
		call.SetState(platform.CallState(st.State), st.Reason)

	case ActionFlowState, ActionInstantMessage, ActionSpeak:
		call, err := pl.call(st.Call)
		if err != nil {
			return err
		}
		flow := call.SimFlow()
		if flow == nil {
			return fmt.Errorf("call %q has no media flow", st.Call)
		}
		switch st.Action {
		case ActionFlowState:
			flow.SetState(platform.FlowState(st.State))
		case ActionInstantMessage:
			flow.Receive(st.From, st.Text)
		default:
			outcome := st.Outcome
			if outcome == "" {
				outcome = speech.OutcomeRecognized
			}
			res := speech.Result{Outcome: outcome, Text: st.Text, Confidence: st.Confidence}
			if outcome == speech.OutcomeFailed {
				res.Err = rerrors.NewPlatformError(rerrors.CodeRealTime, "recognize", st.Message)
			}
			flow.Speak(res)
		}

	case ActionParticipantJoined, ActionParticipantLeft, ActionProperty, ActionEscalate, ActionConversationState:
		conv, err := pl.conversation(st.Conversation)
		if err != nil {
			return err
		}
		switch st.Action {
		case ActionParticipantJoined:
			conv.AddParticipant(st.From)
		case ActionParticipantLeft:
			conv.RemoveParticipant(st.From)
		case ActionProperty:
			conv.SetProperty(st.Name, st.Value)
		case ActionEscalate:
			conv.RequestEscalation()
		default:
			conv.SetState(platform.ConversationState(st.State))
		}

	case ActionConferenceState, ActionRoster:
		conv, err := pl.conversation(st.Conversation)
		if err != nil {
			return err
		}
		if st.Action == ActionRoster {
			conv.SimConference().Roster(st.From, st.Joined)
		} else {
			conv.SimConference().SetState(platform.ConferenceState(st.State))
		}

	case ActionTransfer:
		call, err := pl.call(st.Call)
		if err != nil {
			return err
		}
		to, ok := pl.p.Conversation(st.To)
		if !ok {
			to = pl.p.NewConversation(st.To, "")
		}
		call.MoveTo(to)

	case ActionFail:
		return pl.fail(st)

	case ActionWait:
		d, _ := time.ParseDuration(st.Duration)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fail arms a one-shot failure of the named operation.
func (pl *Player) fail(st Step) error {
	code := st.Code
	if code == "" {
		code = rerrors.CodeOperation
	}
	err := rerrors.NewPlatformError(code, st.Op, st.Message)

	if st.Call != "" {
		call, cerr := pl.call(st.Call)
		if cerr != nil {
			return cerr
		}
		switch st.Op {
		case "accept":
			call.FailAccept(err)
		case "establish":
			call.FailEstablish(err)
		case "terminate":
			call.FailTerminate(err)
		default:
			return fmt.Errorf("unknown call operation %q", st.Op)
		}
		return nil
	}

	conv, cerr := pl.conversation(st.Conversation)
	if cerr != nil {
		return cerr
	}
	switch st.Op {
	case "escalate":
		conv.FailEscalate(err)
	case "terminate":
		conv.FailTerminate(err)
	case "join":
		conv.SimConference().FailJoin(err)
	default:
		return fmt.Errorf("unknown conversation operation %q", st.Op)
	}
	return nil
}

func (pl *Player) conversation(id string) (*Conversation, error) {
	conv, ok := pl.p.Conversation(id)
	if !ok {
		return nil, fmt.Errorf("unknown conversation %q: %w", id, rerrors.ErrNotFound)
	}
	return conv, nil
}

func (pl *Player) call(name string) (*Call, error) {
	call, ok := pl.calls[name]
	if !ok {
		return nil, fmt.Errorf("unknown call %q: %w", name, rerrors.ErrNotFound)
	}
	return call, nil
}

func (pl *Player) logHandlerErr(st Step, err error) {
	if err == nil {
		return
	}
	pl.logger.Warn("Event not recorded",
		logging.F("action", string(st.Action)),
		logging.F("conversation", st.Conversation),
		logging.Err(err))
}
