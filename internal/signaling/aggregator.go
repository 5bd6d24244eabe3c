package signaling

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
)

// Aggregator merges inbound tracks into one remote stream for playback.
type Aggregator struct {
	mu     sync.Mutex
	stream *media.Stream
	sink   media.Sink
	log    zerolog.Logger
}

func NewAggregator(sink media.Sink, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		stream: media.NewStream(),
		sink:   sink,
		log:    logger.With().Str("module", "signaling.aggregator").Logger(),
	}
}

// HandleTracks adds unseen tracks from a group. The stream is (re)bound and
// played only when no track in the group was already live, so renegotiation
// that redelivers known tracks does not rebind the sink.
func (a *Aggregator) HandleTracks(ctx context.Context, group []rtc.RemoteTrack) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alreadyLive := false
	for _, track := range group {
		if _, ok := a.stream.TrackByID(track.ID()); ok {
			a.log.Debug().Str("track_id", track.ID()).Msg("Track already in remote stream")
			alreadyLive = true
			continue
		}
		a.log.Info().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("Adding track to the remote stream")
		a.stream.AddTrack(track)
	}
	if alreadyLive {
		return
	}

	a.sink.Bind(a.stream)
	if err := a.sink.Play(ctx); err != nil {
		a.log.Error().Err(err).Msg("remote playback failed")
	}
}

func (a *Aggregator) Stream() *media.Stream {
	return a.stream
}

// Reset detaches the sink and forgets every track.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink.Detach()
	a.stream.Clear()
}
