package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Sink plays back a remote stream.
type Sink interface {
	Bind(stream *Stream)
	Play(ctx context.Context) error
	Detach()
}

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TrackStats counts what a drained track delivered.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
}

type drain struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// DrainSink "plays" a stream by reading RTP from every bound track until the
// track ends or the sink is detached.
type DrainSink struct {
	mu       sync.Mutex
	stream   *Stream
	draining map[string]*drain
	playCtx  context.Context
	cancel   context.CancelFunc
	binds    int
	log      zerolog.Logger
}

var _ Sink = (*DrainSink)(nil)

func NewDrainSink(logger zerolog.Logger) *DrainSink {
	return &DrainSink{
		draining: make(map[string]*drain),
		log:      logger.With().Str("module", "media.sink").Logger(),
	}
}

func (d *DrainSink) Bind(stream *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = stream
	d.binds++
	d.log.Info().Int("tracks", stream.Len()).Msg("remote stream bound")
}

// Play starts draining every bound track not already being read.
func (d *DrainSink) Play(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	if d.cancel == nil {
		d.playCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	for _, track := range d.stream.Tracks() {
		if _, ok := d.draining[track.ID()]; ok {
			continue
		}
		reader, ok := track.(rtpReader)
		if !ok {
			d.log.Debug().Str("track_id", track.ID()).Msg("track is not readable")
			continue
		}
		st := &drain{}
		d.draining[track.ID()] = st
		go d.loop(d.playCtx, track.ID(), reader, st)
	}
	return nil
}

func (d *DrainSink) loop(ctx context.Context, id string, reader rtpReader, st *drain) {
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := reader.ReadRTP()
		if err != nil {
			d.log.Info().Err(err).Str("track_id", id).Msg("remote track ended")
			return
		}
		st.packets.Add(1)
		st.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (d *DrainSink) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
		d.playCtx = nil
	}
	d.stream = nil
	d.draining = make(map[string]*drain)
}

// Binds reports how many times a stream was bound.
func (d *DrainSink) Binds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binds
}

func (d *DrainSink) Stats() map[string]TrackStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]TrackStats, len(d.draining))
	for id, st := range d.draining {
		out[id] = TrackStats{Packets: st.packets.Load(), Bytes: st.bytes.Load()}
	}
	return out
}
