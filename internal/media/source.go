// Package media provides the local capture source and the playback sink for
// a headless peer.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	KindAudio = "audio"
	KindVideo = "video"

	frameDuration = 20 * time.Millisecond
)

var ErrNoTracks = errors.New("no media tracks requested")

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context) (*LocalMedia, error)
}

// LocalMedia is a set of captured local tracks. Stop ends capture.
type LocalMedia struct {
	StreamID string
	Tracks   []webrtc.TrackLocal

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func (m *LocalMedia) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}

// SyntheticSource stands in for a capture device. Audio tracks carry Opus
// silence; video tracks are negotiated but carry no frames.
type SyntheticSource struct {
	Kinds []string
	log   zerolog.Logger
}

var _ Source = (*SyntheticSource)(nil)

func NewSyntheticSource(kinds []string, logger zerolog.Logger) *SyntheticSource {
	return &SyntheticSource{
		Kinds: kinds,
		log:   logger.With().Str("module", "media.source").Logger(),
	}
}

func (s *SyntheticSource) Acquire(_ context.Context) (*LocalMedia, error) {
	if len(s.Kinds) == 0 {
		return nil, ErrNoTracks
	}

	streamID := "local-" + uuid.NewString()
	var audio []*webrtc.TrackLocalStaticSample
	tracks := make([]webrtc.TrackLocal, 0, len(s.Kinds))
	for _, kind := range s.Kinds {
		var mime string
		switch kind {
		case KindAudio:
			mime = webrtc.MimeTypeOpus
		case KindVideo:
			mime = webrtc.MimeTypeVP8
		default:
			return nil, fmt.Errorf("unsupported media kind %q", kind)
		}
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, streamID)
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}
		tracks = append(tracks, track)
		if kind == KindAudio {
			audio = append(audio, track)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &LocalMedia{
		StreamID: streamID,
		Tracks:   tracks,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.pump(ctx, audio, m.done)

	s.log.Info().Str("stream_id", streamID).Strs("kinds", s.Kinds).Msg("local media acquired")
	return m, nil
}

func (s *SyntheticSource) pump(ctx context.Context, tracks []*webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	if len(tracks) == 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("local media stopped")
			return
		case <-ticker.C:
			for _, t := range tracks {
				// Unbound tracks drop samples silently.
				if err := t.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
					s.log.Debug().Err(err).Str("track_id", t.ID()).Msg("write sample")
				}
			}
		}
	}
}
