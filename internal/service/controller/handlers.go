package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-voice-session-controller/internal/models"
	"ai-voice-session-controller/internal/service/capture"
	"ai-voice-session-controller/internal/service/interrupt"
	"ai-voice-session-controller/internal/service/playback"
	"ai-voice-session-controller/internal/service/session"
	"ai-voice-session-controller/internal/service/stt"
	"ai-voice-session-controller/internal/service/vad"
)

type eventKind int

const (
	evSpeech eventKind = iota
	evUnavailable
	evConnected
	evCaptureError
	evRecordingReady
	evLimit
	evProcessed
	evPlaybackDone
	evConfirmTimer
	evSilenceTimer
)

var eventKindNames = [...]string{
	evSpeech:         "speech",
	evUnavailable:    "vad_unavailable",
	evConnected:      "vad_connected",
	evCaptureError:   "capture_error",
	evRecordingReady: "recording_ready",
	evLimit:          "capture_limit",
	evProcessed:      "processed",
	evPlaybackDone:   "playback_done",
	evConfirmTimer:   "confirm_timer",
	evSilenceTimer:   "silence_timer",
}

func (k eventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// event is an asynchronous input to the loop. epoch ties it to the
// interaction it was produced in; seq ties it to a turn.
type event struct {
	kind      eventKind
	epoch     uint64
	seq       uint64
	gen       uint64
	speech    vad.SpeechEvent
	reply     Reply
	messageID string
	reason    string
	err       error
}

type vadHandler struct {
	c     *Controller
	epoch uint64
}

func (h vadHandler) OnSpeechEvent(ev vad.SpeechEvent) {
	h.c.post(event{kind: evSpeech, epoch: h.epoch, speech: ev})
}

func (h vadHandler) OnUnavailable(err error) {
	h.c.post(event{kind: evUnavailable, epoch: h.epoch, err: err})
}

func (c *Controller) loadEpoch() uint64 {
	return c.epoch.Load()
}

// post is safe from any goroutine and never blocks.
func (c *Controller) post(ev event) {
	c.inbox.put(ev)
}

// later queues an event produced on the loop itself.
func (c *Controller) later(ev event) {
	c.deferred = append(c.deferred, ev)
}

func (c *Controller) handle(ev event) {
	if ev.epoch != c.epoch.Load() {
		c.logger.Debug().Stringer("event", ev.kind).Msg("Stale event dropped")
		return
	}
	switch ev.kind {
	case evSpeech:
		c.onSpeech(ev.speech)
	case evUnavailable:
		c.onUnavailable(ev.err)
	case evConnected:
		c.onConnected(ev.err)
	case evCaptureError:
		if c.machine.Phase().IsActive() {
			_ = c.fail(ev.err)
		}
	case evRecordingReady:
		c.onRecordingReady(ev)
	case evLimit:
		if c.machine.Is(session.PhaseRecording) {
			_ = c.finishRecording("limit: " + ev.reason)
		}
	case evProcessed:
		c.onProcessed(ev)
	case evPlaybackDone:
		c.onPlaybackDone(ev)
	case evConfirmTimer:
		_ = c.apply(c.coord.ConfirmElapsed(c.machine.Phase(), ev.gen))
	case evSilenceTimer:
		_ = c.apply(c.coord.SilenceElapsed(c.machine.Phase(), ev.gen))
	}
}

func (c *Controller) begin() error {
	if c.machine.Phase().IsActive() {
		return nil
	}
	c.lastErr = nil
	c.isSpeaking = false
	c.speechMs = 0
	c.ictx, c.icancel = context.WithCancel(c.runCtx)

	if err := c.transition(session.PhaseConnecting, "begin"); err != nil {
		return err
	}
	if c.vad == nil {
		c.setMode(interrupt.ModeDisabled, nil)
		return c.transition(session.PhaseListening, "vad disabled")
	}
	return nil
}

// check reports whether the current phase may move to to.
func (c *Controller) check(to session.Phase) error {
	from := c.machine.Phase()
	if !session.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, from, to)
	}
	return nil
}

func (c *Controller) transition(to session.Phase, reason string) error {
	c.reason = reason
	if err := c.machine.Transition(to); err != nil {
		return err
	}
	c.enter(to)
	return nil
}

// enter keeps the microphone monitored for barge-in while automatic
// interrupts are active.
func (c *Controller) enter(to session.Phase) {
	if to != session.PhaseListening && to != session.PhaseSpeaking {
		return
	}
	if c.coord.Mode() != interrupt.ModeAutomatic {
		if to == session.PhaseListening {
			c.capture.Abort("not monitoring")
		}
		return
	}
	c.monitor()
}

// monitor opens the microphone off the loop. Failures come back as
// capture errors; an open abandoned by a release is dropped.
func (c *Controller) monitor() {
	epoch, ctx := c.epoch.Load(), c.ictx
	c.opens.Add(1)
	go func() {
		defer c.opens.Done()
		if err := c.capture.Monitor(ctx); err != nil && !errors.Is(err, capture.ErrAborted) {
			c.post(event{kind: evCaptureError, epoch: epoch, err: err})
		}
	}()
}

// onTransition runs synchronously inside every machine transition. The
// VAD channel is opened on connecting and closed on idle, nowhere else.
func (c *Controller) onTransition(from, to session.Phase) {
	c.sess.Phase = to
	reason := c.reason
	c.metrics.RecordTransition(from.String(), to.String())
	c.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Phase changed")

	switch to {
	case session.PhaseConnecting:
		if c.vad != nil {
			epoch := c.epoch.Load()
			c.unsubscribe = c.vad.Subscribe(vadHandler{c: c, epoch: epoch})
			ctx := c.ictx
			go func() {
				err := c.vad.Connect(ctx)
				c.post(event{kind: evConnected, epoch: epoch, err: err})
			}()
		}
	case session.PhaseIdle:
		c.vadLive.Store(false)
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		if c.vad != nil {
			c.vad.Disconnect()
		}
	}

	prev := from
	c.emit(Event{Type: EventPhase, Phase: to, From: &prev, Reason: reason})

	ev := models.PhaseTransition{
		EventType:      models.EventTypePhaseChanged,
		SessionID:      c.sess.ID,
		ConversationID: c.sess.ConversationID,
		From:           from.String(),
		To:             to.String(),
		Reason:         reason,
		Timestamp:      time.Now().UnixMilli(),
	}
	c.enqueue(func(ctx context.Context) {
		if err := c.publisher.PublishPhase(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish phase change")
		}
	})
}

func (c *Controller) onConnected(err error) {
	if !c.machine.Is(session.PhaseConnecting) {
		return
	}
	switch {
	case err == nil:
		c.setMode(interrupt.ModeAutomatic, nil)
		_ = c.transition(session.PhaseListening, "vad connected")
	case errors.Is(err, vad.ErrDisabled):
		c.setMode(interrupt.ModeDisabled, nil)
		_ = c.transition(session.PhaseListening, "vad disabled")
	default:
		c.setMode(interrupt.ModeManualOnly, err)
		_ = c.transition(session.PhaseListening, "vad unavailable")
	}
}

func (c *Controller) onUnavailable(err error) {
	if c.coord.Mode() != interrupt.ModeAutomatic {
		return
	}
	c.setMode(interrupt.ModeManualOnly, err)
	if !c.capture.IsRecording() && c.starting == nil {
		c.capture.Abort("vad unavailable")
	}
}

// setMode switches automatic interrupts on or off. A non-nil err marks the
// switch as a degradation.
func (c *Controller) setMode(m interrupt.Mode, err error) {
	c.coord.SetMode(m)
	c.vadLive.Store(m == interrupt.ModeAutomatic)
	if m != interrupt.ModeAutomatic {
		c.stopTimer()
	}
	if err == nil {
		return
	}
	c.metrics.RecordVADDegraded()
	c.logger.Warn().Err(err).Stringer("mode", m).Msg("VAD unavailable, continuing with manual control")
	mode := m
	c.emit(Event{Type: EventDegraded, Phase: c.machine.Phase(), Mode: &mode, Error: err.Error()})
}

func (c *Controller) onSpeech(ev vad.SpeechEvent) {
	c.isSpeaking = ev.Kind == vad.SpeechStart
	if ev.Kind == vad.SpeechEnd {
		c.speechMs = ev.DurationMs
	} else {
		c.speechMs = 0
	}
	c.sess.LastSpeechAt = time.Now().UTC()

	phase := c.machine.Phase()
	speech := ev
	c.emit(Event{Type: EventSpeech, Phase: phase, Speech: &speech})

	d := c.coord.Speech(phase, ev)
	c.logger.Debug().
		Stringer("kind", ev.Kind).
		Int64("timestampMs", ev.TimestampMs).
		Stringer("action", d.Action).
		Str("reason", d.Reason).
		Msg("Speech event")
	if d.Action == interrupt.ActionTransition && phase == session.PhaseSpeaking {
		c.metrics.RecordInterrupt("vad", phase.String())
	}
	_ = c.apply(d)
}

// apply carries out one coordinator decision.
func (c *Controller) apply(d interrupt.Decision) error {
	switch d.Action {
	case interrupt.ActionArmConfirm:
		c.arm(evConfirmTimer, d)
		return nil
	case interrupt.ActionArmSilence:
		c.arm(evSilenceTimer, d)
		return nil
	case interrupt.ActionDisarm:
		c.stopTimer()
		return nil
	case interrupt.ActionTransition:
	default:
		return nil
	}

	c.stopTimer()
	if d.Target == session.PhaseIdle {
		c.toIdle(d.Reason)
		return nil
	}
	if d.StopPlayback {
		c.stopPlayback()
	}
	if d.CancelRequests {
		c.endTurn(models.OutcomeInterrupted, nil)
	}
	if d.AbortCapture {
		c.capture.Abort("interrupt")
	}
	switch {
	case d.StartRecording:
		return c.requestRecording(d.Reason, nil)
	case d.FinalizeRecording:
		return c.finishRecording(d.Reason)
	default:
		return c.transition(d.Target, d.Reason)
	}
}

func (c *Controller) arm(kind eventKind, d interrupt.Decision) {
	c.stopTimer()
	epoch, gen := c.epoch.Load(), d.Gen
	c.timer = time.AfterFunc(d.Delay, func() {
		c.post(event{kind: kind, epoch: epoch, gen: gen})
	})
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// requestRecording acquires the microphone off the loop and moves to
// recording when it is granted. waiter, if set, receives the outcome.
// Requests made while one is pending join it.
func (c *Controller) requestRecording(reason string, waiter chan error) error {
	if err := c.check(session.PhaseRecording); err != nil {
		return err
	}
	if c.starting != nil {
		if waiter != nil {
			c.starting.waiters = append(c.starting.waiters, waiter)
		}
		return nil
	}
	c.startSeq++
	p := &pendingStart{seq: c.startSeq, reason: reason}
	if waiter != nil {
		p.waiters = append(p.waiters, waiter)
	}
	c.starting = p

	epoch, ctx := c.epoch.Load(), c.ictx
	c.opens.Add(1)
	go func() {
		defer c.opens.Done()
		err := c.capture.Start(ctx)
		c.post(event{kind: evRecordingReady, epoch: epoch, seq: p.seq, err: err})
	}()
	return nil
}

func (c *Controller) onRecordingReady(ev event) {
	p := c.starting
	if p == nil || p.seq != ev.seq {
		return
	}
	c.starting = nil

	err := ev.err
	if err == nil {
		if err = c.check(session.PhaseRecording); err != nil {
			c.capture.Abort("start abandoned")
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrAborted):
		p.resolve(ErrInterrupted)
		return
	case errors.Is(err, session.ErrInvalidTransition):
		p.resolve(err)
		return
	default:
		p.resolve(c.fail(err))
		return
	}

	c.stopTimer()
	c.coord.Reset()
	c.turnSeq++
	c.inflight = &turn{
		seq:     c.turnSeq,
		id:      c.turns.Next(c.sess.ID),
		started: time.Now(),
	}
	p.resolve(c.transition(session.PhaseRecording, p.reason))
}

func (c *Controller) finishRecording(reason string) error {
	rec, err := c.capture.Stop()
	if errors.Is(err, capture.ErrEmptyRecording) {
		c.endTurn(models.OutcomeEmpty, nil)
		_ = c.transition(session.PhaseListening, "empty recording")
		return err
	}
	if err != nil {
		return c.fail(err)
	}

	t := c.inflight
	if t == nil {
		c.turnSeq++
		t = &turn{seq: c.turnSeq, id: c.turns.Next(c.sess.ID), started: rec.StartedAt}
		c.inflight = t
	}
	t.audio = len(rec.Payload)
	t.speechMs = c.speechMs
	t.finalized = time.Now()
	if err := c.transition(session.PhaseProcessing, reason); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ictx, c.cfg.RequestTimeout)
	t.cancel = cancel
	info := Turn{SessionID: c.sess.ID, ConversationID: c.sess.ConversationID, TurnID: t.id}
	epoch, seq := c.epoch.Load(), t.seq
	processor := c.processor
	go func() {
		reply, err := processor.Process(ctx, info, rec)
		c.post(event{kind: evProcessed, epoch: epoch, seq: seq, reply: reply, err: err})
	}()
	return nil
}

func (c *Controller) onProcessed(ev event) {
	t := c.inflight
	if t == nil || t.seq != ev.seq || !c.machine.Is(session.PhaseProcessing) {
		return
	}
	t.processed = time.Now()
	if ev.err != nil {
		if errors.Is(ev.err, stt.ErrNoTranscript) {
			c.endTurn(models.OutcomeEmpty, nil)
			c.afterTurn("no transcript")
			return
		}
		_ = c.fail(ev.err)
		return
	}

	reply := ev.reply
	t.reply = reply
	c.lastText = reply.Transcript
	c.lastReply = reply.Text
	c.emit(Event{
		Type:   EventTranscript,
		Phase:  session.PhaseProcessing,
		TurnID: t.id,
		Text:   reply.Transcript,
		Reply:  reply.Text,
	})

	if len(reply.Audio) == 0 {
		c.endTurn(models.OutcomeCompleted, nil)
		c.afterTurn("reply without audio")
		return
	}
	c.queue = append([]playback.Item(nil), reply.Audio...)
	if err := c.transition(session.PhaseSpeaking, "reply ready"); err != nil {
		_ = c.fail(err)
		return
	}
	c.playNext()
}

func (c *Controller) playNext() {
	t := c.inflight
	item := c.queue[0]
	c.queue = c.queue[1:]

	epoch, seq := c.epoch.Load(), t.seq
	err := c.player.Play(item, func(messageID string, err error) {
		c.post(event{kind: evPlaybackDone, epoch: epoch, seq: seq, messageID: messageID, err: err})
	})
	if err != nil {
		_ = c.fail(err)
		return
	}
	if cur, ok := c.player.Current(); ok {
		c.emit(Event{Type: EventPlayback, Phase: session.PhaseSpeaking, TurnID: t.id, Item: &cur})
	}
}

func (c *Controller) onPlaybackDone(ev event) {
	t := c.inflight
	if t == nil || t.seq != ev.seq || !c.machine.Is(session.PhaseSpeaking) {
		return
	}
	if ev.err != nil {
		_ = c.fail(ev.err)
		return
	}
	if len(c.queue) > 0 {
		c.playNext()
		return
	}
	c.endTurn(models.OutcomeCompleted, nil)
	c.afterTurn("playback finished")
}

// afterTurn leaves processing or speaking once a turn is done.
func (c *Controller) afterTurn(reason string) {
	if !c.cfg.Continuous {
		c.toIdle(reason)
		return
	}
	if err := c.transition(session.PhaseListening, reason); err != nil {
		_ = c.fail(err)
	}
}

func (c *Controller) stopPlayback() {
	c.queue = nil
	if !c.player.Stop() {
		return
	}
	if cur, ok := c.player.Current(); ok {
		c.emit(Event{Type: EventPlayback, Phase: c.machine.Phase(), Item: &cur})
	}
}

// endTurn closes the in-flight turn, if any, and publishes its outcome.
func (c *Controller) endTurn(outcome string, err error) {
	t := c.inflight
	if t == nil {
		return
	}
	c.inflight = nil
	if t.cancel != nil {
		t.cancel()
	}
	c.metrics.RecordTurn(outcome)

	ev := models.TurnCompleted{
		EventType:      models.EventTypeTurnCompleted,
		SessionID:      c.sess.ID,
		ConversationID: c.sess.ConversationID,
		TurnID:         t.id,
		Mode:           c.processingMode(),
		Outcome:        outcome,
		Transcript:     t.reply.Transcript,
		ResponseText:   t.reply.Text,
		Confidence:     t.reply.Confidence,
		AudioBytes:     t.audio,
		SpeechMs:       t.speechMs,
		Timestamp:      time.Now().UnixMilli(),
	}
	if !t.processed.IsZero() && !t.finalized.IsZero() {
		ev.LatencyMs = t.processed.Sub(t.finalized).Milliseconds()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.logger.Info().
		Str("turnId", t.id).
		Str("outcome", outcome).
		Int("audioBytes", t.audio).
		Int64("latencyMs", ev.LatencyMs).
		Msg("Turn ended")
	c.enqueue(func(ctx context.Context) {
		if err := c.publisher.PublishTurn(ctx, ev); err != nil {
			c.logger.Warn().Err(err).Str("turnId", ev.TurnID).Msg("Failed to publish turn")
		}
	})
}

func (c *Controller) processingMode() string {
	if c.processor == nil {
		return ModeChat
	}
	return c.processor.Mode()
}

// fail surfaces err and forces idle. No retry.
func (c *Controller) fail(err error) error {
	c.lastErr = err
	phase := c.machine.Phase()
	c.logger.Error().Err(err).Stringer("phase", phase).Msg("Voice interaction failed")
	c.emit(Event{Type: EventError, Phase: phase, Error: err.Error()})
	c.endTurn(models.OutcomeFailed, err)
	c.toIdle(err.Error())
	return err
}

// toIdle stops everything the interaction holds and flushes its pending
// events. Idempotent.
func (c *Controller) toIdle(reason string) {
	c.stopTimer()
	c.coord.Reset()
	c.stopPlayback()
	c.endTurn(models.OutcomeInterrupted, nil)
	c.capture.Abort("idle")
	c.icancel()
	if p := c.starting; p != nil {
		c.starting = nil
		p.resolve(ErrInterrupted)
	}
	c.reason = reason
	c.machine.Reset()
	c.epoch.Add(1)
	c.deferred = nil
}
