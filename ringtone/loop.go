package ringtone

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/huddlechat/callcore"
)

// ErrNoOutput is returned by Play when there is nowhere to play to.
var ErrNoOutput = errors.New("no audio output")

// A Sink plays one pass of a cue, blocking until it is done or ctx is done.
type Sink interface {
	Write(ctx context.Context, cue []byte) error
}

// WriterSink writes the cue to W and then holds for Duration.
type WriterSink struct {
	W        io.Writer
	Duration time.Duration
}

// Write implements Sink.
func (s WriterSink) Write(ctx context.Context, cue []byte) error {
	if _, err := s.W.Write(cue); err != nil {
		return err
	}
	if !callcore.SelectContextOrWait(ctx, s.Duration) {
		return ctx.Err()
	}
	return nil
}

// A LoopPlayer repeats a cue through a Sink with a pause between passes.
type LoopPlayer struct {
	sink   Sink
	cue    []byte
	gap    time.Duration
	logger golog.Logger

	mu      sync.Mutex
	workers *callcore.StoppableWorkers
}

// NewLoopPlayer returns a stopped player.
func NewLoopPlayer(sink Sink, cue []byte, gap time.Duration, logger golog.Logger) *LoopPlayer {
	return &LoopPlayer{sink: sink, cue: cue, gap: gap, logger: logger}
}

// Play starts looping in the background. Playing an already playing player
// does nothing.
func (p *LoopPlayer) Play(ctx context.Context) error {
	if p.sink == nil {
		return ErrNoOutput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers != nil {
		return nil
	}
	p.workers = callcore.NewStoppableWorkers(ctx, p.loop)
	return nil
}

func (p *LoopPlayer) loop(ctx context.Context) {
	for {
		if err := p.sink.Write(ctx, p.cue); err != nil {
			if ctx.Err() == nil {
				p.logger.Warnw("ringtone sink failed", "error", err)
			}
			return
		}
		if !callcore.SelectContextOrWait(ctx, p.gap) {
			return
		}
	}
}

// Stop halts playback and waits for the loop to exit.
func (p *LoopPlayer) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// Playing reports whether the loop is running.
func (p *LoopPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers != nil
}
