package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/normanking/antigravity/internal/backend"
	"github.com/normanking/antigravity/internal/logging"
	"github.com/normanking/antigravity/internal/session"
)

const (
	ImagePlaceholder = "🎨 Generating..."
	ImageCaption     = "Generated Image"
	FailurePrefix    = "❌ "

	persistTimeout = 10 * time.Second
)

// State is the stage a turn has reached when an Update is emitted.
type State int

const (
	StateReceived State = iota
	StateClassified
	StateDispatched
	StateStreaming
	StatePersisted
	StateVoiced
	StateComplete
	StateBackendUnavailable
	StateGenerationFailed
)

var stateNames = [...]string{
	"received", "classified", "dispatched", "streaming", "persisted",
	"voiced", "complete", "backend_unavailable", "generation_failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TurnRequest is one user submission.
type TurnRequest struct {
	Text string
	// History is the conversation so far. Nil means the stored history of
	// SessionID.
	History []session.Turn
	// SessionID names the conversation; empty or unknown ids start a new one.
	SessionID    string
	Personality  string
	VoiceEnabled bool
	VoiceID      string
}

// Update is an independently renderable snapshot of a turn in progress.
type Update struct {
	SessionID  string
	History    []session.Turn
	Title      string
	State      State
	Audio      *backend.AudioHandle
	VoiceError string
}

// SubmitTurn runs one turn and streams its snapshots. Whitespace-only input
// yields nothing. Backend failures are recorded in history as a failure
// message; only session store errors and cancellation end the sequence with
// an error, and a cancelled turn still persists what it produced.
func (o *Orchestrator) SubmitTurn(ctx context.Context, req TurnRequest) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		if strings.TrimSpace(req.Text) == "" {
			return
		}

		sess, err := o.openSession(ctx, req.SessionID)
		if err != nil {
			yield(Update{}, err)
			return
		}

		unlock := o.locks.Lock(sess.ID)
		defer unlock()

		if req.History == nil {
			if fresh, err := o.store.Get(ctx, sess.ID); err == nil {
				sess = fresh
			}
		}
		history := req.History
		if history == nil {
			history = sess.History
		}

		o.metrics.turnStarted()
		defer o.metrics.turnFinished()

		run := &turnRun{
			o:         o,
			ctx:       ctx,
			req:       req,
			sessionID: sess.ID,
			title:     sess.Title,
			history:   session.CloneHistory(history),
			yield:     yield,
			start:     time.Now(),
			modality:  o.classifier.Classify(req.Text),
		}

		o.log.Debug().
			Str("session", sess.ID).
			Stringer("modality", run.modality).
			Int("history", len(run.history)).
			Msg("turn received")

		if run.modality == ModalityImage {
			run.runImage()
		} else {
			run.runText()
		}
	}
}

// openSession returns the session for id, creating one when id is empty
// or unknown.
func (o *Orchestrator) openSession(ctx context.Context, id string) (*session.Session, error) {
	if id != "" {
		sess, err := o.store.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return nil, fmt.Errorf("open session: %w", err)
		}
		o.log.Info().Str("session", id).Msg("session not found, starting a new one")
	}
	sess, err := o.store.Create(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// turnRun is the state of one SubmitTurn invocation.
type turnRun struct {
	o         *Orchestrator
	ctx       context.Context
	req       TurnRequest
	sessionID string
	title     string
	history   []session.Turn
	yield     func(Update, error) bool
	stopped   bool
	start     time.Time
	modality  Modality
}

func (r *turnRun) send(u Update) bool {
	if r.stopped {
		return false
	}
	u.SessionID = r.sessionID
	u.Title = r.title
	u.History = session.CloneHistory(r.history)
	if !r.yield(u, nil) {
		r.stopped = true
	}
	return !r.stopped
}

func (r *turnRun) emit(state State) bool {
	return r.send(Update{State: state})
}

func (r *turnRun) fail(err error) {
	if r.stopped {
		return
	}
	r.stopped = true
	r.yield(Update{SessionID: r.sessionID, Title: r.title, History: session.CloneHistory(r.history)}, err)
}

func (r *turnRun) last() *session.Turn {
	return &r.history[len(r.history)-1]
}

// cancelled reports whether the caller abandoned the turn.
func (r *turnRun) cancelled() bool {
	return r.ctx.Err() != nil
}

func (r *turnRun) runText() {
	firstTurn := len(r.history) == 0
	prior := session.CloneHistory(r.history)
	r.history = append(r.history, session.Turn{UserMessage: r.req.Text, Assistant: session.Text("")})

	var (
		b      strings.Builder
		genErr error
	)
	if r.emit(StateStreaming) {
		system := SystemPrompt(r.req.Personality)
		for frag, err := range r.o.text.Generate(r.ctx, r.req.Text, prior, system) {
			if err != nil {
				genErr = err
				break
			}
			b.WriteString(frag)
			r.last().Assistant = session.Text(b.String())
			r.o.metrics.incFragments()
			if !r.emit(StateStreaming) {
				break
			}
			if err := r.ctx.Err(); err != nil {
				genErr = err
				break
			}
		}
	}

	outcome := "ok"
	switch {
	case r.cancelled():
		outcome = "cancelled"
	case genErr != nil:
		outcome = "failed"
		r.last().Assistant = session.Text(withFailure(b.String(), genErr))
		r.o.log.Warn().Err(genErr).Str("session", r.sessionID).Msg("text generation failed")
		r.emit(StateGenerationFailed)
	case r.stopped:
		outcome = "abandoned"
	}

	title := ""
	if firstTurn {
		title = r.o.autoTitle(r.ctx, r.req.Text)
	}

	if !r.persist(title) {
		r.o.metrics.observeTurn(r.modality, "store_error", time.Since(r.start))
		return
	}
	r.o.metrics.observeTurn(r.modality, outcome, time.Since(r.start))

	if r.cancelled() {
		r.fail(r.ctx.Err())
		return
	}
	if r.stopped {
		return
	}

	if !r.req.VoiceEnabled || r.speechText() == "" {
		r.emit(StateComplete)
		return
	}
	r.emit(StatePersisted)
	r.voice()
}

func (r *turnRun) runImage() {
	r.history = append(r.history, session.Turn{UserMessage: r.req.Text, Assistant: session.Text(ImagePlaceholder)})
	r.emit(StateDispatched)

	outcome := "ok"
	if r.o.image == nil {
		outcome = "unavailable"
		r.last().Assistant = session.Text(FailurePrefix + "image backend unavailable")
		r.emit(StateBackendUnavailable)
	} else {
		res, err := r.o.image.GenerateImage(r.ctx, backend.ImageRequest{
			Prompt:   r.req.Text,
			FileName: imageFileName(r.sessionID, len(r.history)),
		})
		if err != nil {
			outcome = "failed"
			if r.cancelled() {
				outcome = "cancelled"
			}
			r.last().Assistant = session.Text(FailurePrefix + err.Error())
			r.o.log.Warn().Err(err).Str("session", r.sessionID).Msg("image generation failed")
		} else {
			r.last().Assistant = session.MediaContent(res.Path, ImageCaption)
		}
	}

	if !r.persist("") {
		r.o.metrics.observeTurn(r.modality, "store_error", time.Since(r.start))
		return
	}
	r.o.metrics.observeTurn(r.modality, outcome, time.Since(r.start))

	if r.cancelled() {
		r.fail(r.ctx.Err())
		return
	}
	r.emit(StateComplete)
}

// persist writes the history and title. A session deleted mid-turn is
// recreated once. Store failures end the turn with an error.
func (r *turnRun) persist(title string) bool {
	ctx := r.ctx
	if r.cancelled() || r.stopped {
		var cancel context.CancelFunc
		ctx, cancel = logging.DetachContextWithTimeout(r.ctx, persistTimeout)
		defer cancel()
	}

	err := r.o.store.Update(ctx, r.sessionID, r.history, title)
	if errors.Is(err, session.ErrSessionNotFound) {
		r.o.log.Warn().Str("session", r.sessionID).Msg("session vanished mid-turn, recreating")
		var sess *session.Session
		sess, err = r.o.store.Create(ctx, title)
		if err == nil {
			r.sessionID = sess.ID
			err = r.o.store.Update(ctx, sess.ID, r.history, title)
		}
	}
	if err != nil {
		r.o.log.Error().Err(err).Str("session", r.sessionID).Msg("persist turn")
		r.fail(fmt.Errorf("persist turn: %w", err))
		return false
	}
	if title != "" {
		r.title = title
	}
	return true
}

// speechText is the assistant text eligible for synthesis.
func (r *turnRun) speechText() string {
	a := r.last().Assistant
	if a.IsMedia() {
		return ""
	}
	return strings.TrimSpace(a.Text)
}

// voice synthesizes the reply after it is persisted. Failures are reported
// on the final update and never touch the stored turn.
func (r *turnRun) voice() {
	u := Update{State: StateComplete}
	if r.o.speech == nil {
		u.VoiceError = "voice backend unavailable"
		r.send(u)
		return
	}

	audio, err := r.o.speech.Synthesize(r.ctx, r.speechText(), r.req.VoiceID)
	if err != nil {
		r.o.log.Warn().Err(err).Str("voice", r.req.VoiceID).Msg("voice synthesis failed")
		u.VoiceError = err.Error()
	} else {
		u.Audio = &audio
	}
	r.send(u)
}

// withFailure appends a failure marker to partial output.
func withFailure(partial string, err error) string {
	msg := FailurePrefix + err.Error()
	if partial == "" {
		return msg
	}
	return partial + "\n\n" + msg
}

func imageFileName(sessionID string, n int) string {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("gen_%s_%d.png", prefix, n)
}
