package recorder

import (
	"context"
	"errors"
	"sync"

	"github.com/otherjamesbrown/penf-recorder/pkg/async"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform"
	"github.com/otherjamesbrown/penf-recorder/pkg/speech"
	"github.com/otherjamesbrown/penf-recorder/pkg/transcript"
)

// AudioVideoRecorder records an audio/video call and transcribes its media
// flow while the flow is active.
type AudioVideoRecorder struct {
	callRecorder

	factory speech.Factory
	grammar *async.Signal

	recMu      sync.Mutex
	recognizer speech.Recognizer
	cancel     context.CancelFunc
	// running is closed when the last recognition start-up has finished.
	running chan struct{}
}

var _ callHandle = (*AudioVideoRecorder)(nil)

func newAudioVideoRecorder(s *Session, call platform.Call, factory speech.Factory) *AudioVideoRecorder {
	r := &AudioVideoRecorder{
		factory: factory,
		grammar: async.NewSignal(),
	}
	r.init(s, TypeAudioVideo, call, r)
	r.stopMedia = r.stopRecognition
	return r
}

func (r *AudioVideoRecorder) OnFlowStateChanged(flow platform.Flow, prev, next platform.FlowState) {
	r.logFlowState(prev, next)

	switch next {
	case platform.FlowActive:
		r.startRecognition(flow)
	case platform.FlowTerminated:
		r.stopRecognition()
	}
}

// OnMessageReceived ignores text; audio/video flows carry none.
func (r *AudioVideoRecorder) OnMessageReceived(platform.Flow, platform.Participant, string) {}

// Recognizing reports whether a recognizer is attached to the flow.
func (r *AudioVideoRecorder) Recognizing() bool {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return r.recognizer != nil
}

func (r *AudioVideoRecorder) startRecognition(flow platform.Flow) {
	if r.factory == nil || r.lc.get() == StateTerminated {
		return
	}

	r.recMu.Lock()
	if r.cancel != nil {
		r.recMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.session.ctx)
	prev := r.running
	running := make(chan struct{})
	r.cancel = cancel
	r.running = running
	r.recMu.Unlock()

	go func() {
		defer close(running)
		if prev != nil {
			<-prev
		}
		r.attachRecognizer(ctx, flow)
	}()
}

func (r *AudioVideoRecorder) attachRecognizer(ctx context.Context, flow platform.Flow) {
	rec, err := r.factory.NewRecognizer(flow)
	if err != nil {
		r.abandon(ctx, nil)
		r.session.ReportError("attach recognizer", err)
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.session.cfg.GrammarLoadTimeout)
	defer cancel()
	err = async.Await(loadCtx, r.grammar, func(complete func(error)) {
		if gerr := platform.Guard("load grammar", func() { rec.LoadGrammar(complete) }); gerr != nil {
			complete(gerr)
		}
	})
	if err != nil {
		rec.Stop()
		if errors.Is(err, context.Canceled) {
			r.logger.Debug("Grammar load abandoned")
			return
		}
		r.abandon(ctx, nil)
		r.session.ReportError("load grammar", err)
		return
	}

	r.recMu.Lock()
	if ctx.Err() != nil {
		r.recMu.Unlock()
		rec.Stop()
		return
	}
	r.recognizer = rec
	r.recMu.Unlock()

	if err := rec.Start(r.onResult); err != nil {
		if ctx.Err() == nil {
			r.abandon(ctx, rec)
			r.session.ReportError("start recognition", err)
		}
		return
	}
	r.info("Speech recognition started.")
}

// abandon clears a failed start-up so the next active flow can try again.
// It does nothing once ctx is cancelled, because a later start-up may own
// the fields by then.
func (r *AudioVideoRecorder) abandon(ctx context.Context, rec speech.Recognizer) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if rec != nil && r.recognizer == rec {
		r.recognizer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *AudioVideoRecorder) stopRecognition() {
	r.recMu.Lock()
	rec := r.recognizer
	if r.cancel != nil {
		r.cancel()
	}
	r.recognizer = nil
	r.cancel = nil
	r.recMu.Unlock()

	if rec != nil {
		rec.Stop()
		r.logger.Debug("Speech recognition stopped")
	}
}

func (r *AudioVideoRecorder) onResult(res speech.Result) {
	switch res.Outcome {
	case speech.OutcomeRecognized:
		r.emit(newMessage(r.conversation(), transcript.ModalityAudioVideo, transcript.DirectionIncoming, senderOf(r.call.Remote()), res.Text))
	case speech.OutcomeNoMatch:
		r.emit(infoMessage(r.conversation(), transcript.ModalityInfo, "Speech not recognized."))
	default:
		err := res.Err
		if err == nil {
			err = errors.New("recognition failed")
		}
		if r.lc.get() != StateTerminated {
			r.session.ReportError("recognize speech", err)
		}
		r.logger.Debug("Recognition failed", logging.Err(err))
	}
}
