package careline

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/careline/careline/pkg/adapters/stt"
	"github.com/careline/careline/pkg/frames"
	"github.com/careline/careline/pkg/pipeline"
)

const (
	// The provider closes idle websockets; when the caller stays quiet we
	// feed silence to hold the connection open.
	tapIdleThreshold = 2 * time.Second
	tapKeepaliveTick = 200 * time.Millisecond
	tapWarmup        = 500 * time.Millisecond
)

// directTap is the per-call second recognition stream of hybrid mode. It
// receives a copy of the caller audio and feeds its transcripts, labeled
// with the direct source, into the same pipeline as the in-line stream.
type directTap struct {
	sess   stt.StreamingSTT
	cancel context.CancelFunc

	mu        sync.Mutex
	lastAudio time.Time
}

func (e *Engine) openTap(sess *pipeline.Session, callSID, streamID, traceID string) {
	factory, err := e.directFactory(traceID)
	if err != nil {
		slog.Warn("direct_tap_unavailable", "call_sid", callSID, "error", err)
		return
	}
	dg := factory(callSID, streamID)
	ctx, cancel := context.WithCancel(e.ctx)
	if err := dg.Start(ctx); err != nil {
		slog.Warn("direct_tap_start_failed", "call_sid", callSID, "error", err)
		cancel()
		return
	}
	tap := &directTap{sess: dg, cancel: cancel, lastAudio: time.Now()}

	e.tapsMu.Lock()
	if old := e.taps[callSID]; old != nil {
		old.close()
	}
	e.taps[callSID] = tap
	e.tapsMu.Unlock()

	// Forward direct transcripts into the pipeline.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-dg.Results():
				if !ok {
					return
				}
				nonBlockingSend(sess.Orch.In(), f)
			}
		}
	}()

	go tap.keepalive(ctx, streamID)
	slog.Info("direct_tap_opened", "call_sid", callSID, "stream_id", streamID)
}

func (e *Engine) feedTap(callSID string, af frames.AudioFrame) {
	e.tapsMu.Lock()
	tap := e.taps[callSID]
	e.tapsMu.Unlock()
	if tap == nil {
		return
	}
	tap.mu.Lock()
	tap.lastAudio = time.Now()
	tap.mu.Unlock()
	copyFrame := frames.NewAudioFrame(
		af.Meta()[frames.MetaStreamID], af.PTS(),
		append([]byte(nil), af.RawPayload()...),
		af.Rate(), af.Channels(), af.Meta())
	_ = tap.sess.SendAudio(copyFrame)
}

func (e *Engine) closeTap(callSID string) {
	e.tapsMu.Lock()
	tap := e.taps[callSID]
	delete(e.taps, callSID)
	e.tapsMu.Unlock()
	if tap != nil {
		tap.close()
	}
}

func (e *Engine) closeAllTaps() {
	e.tapsMu.Lock()
	taps := e.taps
	e.taps = make(map[string]*directTap)
	e.tapsMu.Unlock()
	for _, tap := range taps {
		tap.close()
	}
}

func (t *directTap) close() {
	t.cancel()
	_ = t.sess.Close()
}

func (t *directTap) keepalive(ctx context.Context, streamID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(tapWarmup):
	}
	silence := bytes.Repeat([]byte{0xFF}, 160)
	ticker := time.NewTicker(tapKeepaliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastAudio)
			t.mu.Unlock()
			if idle < tapIdleThreshold {
				continue
			}
			af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), silence, 8000, 1, nil)
			_ = t.sess.SendAudio(af)
		}
	}
}
