package mixer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

// frameReader turns a channel of PCM frames into a little-endian byte stream.
// Read blocks until a frame arrives and returns io.EOF once the channel closes.
type frameReader struct {
	ctx    context.Context
	frames <-chan []int16
	rest   []byte
}

func (r *frameReader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case frame, ok := <-r.frames:
			if !ok {
				return 0, io.EOF
			}
			r.rest = audio.SamplesToBytes(frame)
		}
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// otoContext creates the process-wide oto context. oto allows only one.
func otoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if otoErr == nil {
			<-ready
		}
	})
	return otoCtx, otoErr
}

// Speaker plays frames on the local sound card.
type Speaker struct {
	player *oto.Player
	cancel context.CancelFunc
}

// NewSpeaker starts playing frames on the default output device until
// Close is called or frames is closed.
func NewSpeaker(frames <-chan []int16) (*Speaker, error) {
	c, err := otoContext()
	if err != nil {
		return nil, fmt.Errorf("open sound card: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := c.NewPlayer(&frameReader{ctx: ctx, frames: frames})
	p.SetBufferSize(audio.FrameBytes * 4)
	p.Play()
	return &Speaker{player: p, cancel: cancel}, nil
}

// Close stops playback. The frame reader is released; the oto context lives
// for the rest of the process.
func (s *Speaker) Close() error {
	s.cancel()
	s.player.Pause()
	return s.player.Err()
}
