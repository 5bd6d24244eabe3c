package signaling

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
	"github.com/mossy-p/webrtc-rooms/internal/store"
)

// Relay moves ICE candidates between the local connection and the store.
type Relay struct {
	store store.Store
	log   zerolog.Logger
}

func NewRelay(st store.Store, logger zerolog.Logger) *Relay {
	return &Relay{
		store: st,
		log:   logger.With().Str("module", "signaling.relay").Logger(),
	}
}

// Collector writes locally discovered candidates into the role's collection.
// Candidates found before the room id is known are held until Start.
type Collector struct {
	relay *Relay
	role  models.Role

	mu      sync.Mutex
	ctx     context.Context
	roomID  string
	pending []webrtc.ICECandidateInit
	stopped bool
}

// Collect installs the candidate handler on pc. Call it before producing
// the offer or answer so no early candidate is missed.
func (r *Relay) Collect(pc rtc.PeerConnection, role models.Role) *Collector {
	c := &Collector{relay: r, role: role}
	pc.OnICECandidate(c.handle)
	return c
}

func (c *Collector) handle(ci *webrtc.ICECandidateInit) {
	if ci == nil {
		c.relay.log.Debug().Str("role", c.role.String()).Msg("Got final candidate!")
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.roomID == "" {
		c.pending = append(c.pending, *ci)
		c.mu.Unlock()
		return
	}
	ctx, roomID := c.ctx, c.roomID
	c.mu.Unlock()

	c.write(ctx, roomID, *ci)
}

// Start binds the collector to a room and flushes held candidates.
func (c *Collector) Start(ctx context.Context, roomID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.ctx, c.roomID = ctx, roomID
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ci := range pending {
		c.write(ctx, roomID, ci)
	}
}

// Stop drops every candidate discovered from now on.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = nil
}

func (c *Collector) write(ctx context.Context, roomID string, ci webrtc.ICECandidateInit) {
	path := models.CandidatesPath(roomID, c.role.CandidatesCollection())
	id, err := c.relay.store.Create(ctx, path, models.Candidate{ICECandidateInit: ci})
	if err != nil {
		c.relay.log.Error().Err(err).Str("collection", path).Msg("candidate write failed")
		return
	}
	c.relay.log.Debug().Str("collection", path).Str("candidate_id", id).Msg("Got candidate")
}

// Watch subscribes to the remote role's candidate collection and hands every
// newly added candidate to onCandidate once. Modified and removed changes
// cannot happen to candidates and are ignored.
func (r *Relay) Watch(ctx context.Context, remote models.Role, roomID string, onCandidate func(models.Candidate)) (store.Unsubscribe, error) {
	path := models.CandidatesPath(roomID, remote.CandidatesCollection())
	var mu sync.Mutex
	seen := make(map[string]struct{})

	return r.store.SubscribeCollection(ctx, path, func(changes []store.Change) {
		for _, change := range changes {
			if change.Type != store.ChangeAdded {
				r.log.Debug().Str("collection", path).Str("type", string(change.Type)).Msg("ignoring candidate change")
				continue
			}
			mu.Lock()
			_, dup := seen[change.Doc.ID]
			seen[change.Doc.ID] = struct{}{}
			mu.Unlock()
			if dup {
				continue
			}

			var cand models.Candidate
			if err := change.Doc.Decode(&cand); err != nil {
				r.log.Warn().Err(err).Str("path", change.Doc.Path).Msg("ignoring malformed candidate")
				continue
			}
			cand.ID = change.Doc.ID
			if err := cand.Validate(); err != nil {
				r.log.Warn().Err(err).Str("path", change.Doc.Path).Msg("ignoring malformed candidate")
				continue
			}
			r.log.Debug().Str("collection", path).Str("candidate_id", cand.ID).Msg("Got new remote ICE candidate")
			onCandidate(cand)
		}
	})
}
