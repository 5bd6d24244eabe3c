package rtc

import (
	"fmt"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/config"
)

// Engine creates pion peer connections sharing one API instance.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log zerolog.Logger
}

var _ Factory = (*Engine)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{
					"stun:stun1.l.google.com:19302",
					"stun:stun2.l.google.com:19302",
				},
			},
		},
		ICECandidatePoolSize: 10,
	}
}

// WebRTCConfig converts the ICE section of the process config.
func WebRTCConfig(cfg config.ICEConfig) webrtc.Configuration {
	if len(cfg.Servers) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: cfg.Servers}},
		ICECandidatePoolSize: cfg.CandidatePool,
	}
}

// EngineOption adjusts the pion setting engine.
type EngineOption func(*webrtc.SettingEngine)

// WithNet routes all ICE traffic through n, e.g. a vnet.Net in tests.
func WithNet(n transport.Net) EngineOption {
	return func(se *webrtc.SettingEngine) { se.SetNet(n) }
}

func NewEngine(cfg webrtc.Configuration, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	for _, opt := range opts {
		opt(&se)
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		cfg: cfg,
		log: logger.With().Str("module", "rtc").Logger(),
	}, nil
}

func (e *Engine) NewPeerConnection() (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e.log.Info().Int("ice_servers", len(e.cfg.ICEServers)).Msg("peer connection created")
	return &Connection{pc: pc, log: e.log}, nil
}
