package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/tracing"
	"vigilnet/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// H264 dynamic payload type announced to nodes in the start command.
const defaultPayloadType = 96

// PeerConfig configures real-time peers.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// RTPPortRange is where nodes push RTP for a peer.
	RTPPortRange struct {
		Min uint16
		Max uint16
	}
	RTPHost string
	// RTPPortQuarantine keeps a released RTP port out of rotation so a node
	// that missed its stop cannot feed the next peer.
	RTPPortQuarantine time.Duration
	GatheringTimeout  time.Duration
}

// PeerFactory answers browser offers with a pion peer connection fed by a
// UDP RTP listener the node pushes into.
type PeerFactory struct {
	config  PeerConfig
	cameras ports.CameraDirectory
	api     *webrtc.API
	ports   *portPool
	clock   clock.Clock
	logger  *zap.SugaredLogger

	hooksMu sync.RWMutex
	onFail  []func(domain.PeerID)
}

var _ ports.PeerFactory = (*PeerFactory)(nil)

func NewPeerFactory(config PeerConfig, cameras ports.CameraDirectory, clk clock.Clock, logger *zap.SugaredLogger) *PeerFactory {
	if clk == nil {
		clk = clock.New()
	}
	if config.GatheringTimeout <= 0 {
		config.GatheringTimeout = 5 * time.Second
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		_ = settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Errorw("failed to register webrtc codecs", "error", err)
	}

	return &PeerFactory{
		config:  config,
		cameras: cameras,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		ports:   newPortPool(config.RTPHost, config.RTPPortRange.Min, config.RTPPortRange.Max, config.RTPPortQuarantine, clk),
		clock:   clk,
		logger:  logger,
	}
}

// OnPeerFailed registers a callback for peers whose connection failed or
// closed from the remote side.
func (f *PeerFactory) OnPeerFailed(fn func(domain.PeerID)) {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	f.onFail = append(f.onFail, fn)
}

// Prepare builds a peer for the offer. On any failure every resource it
// created is released before returning.
func (f *PeerFactory) Prepare(ctx context.Context, cameraID domain.CameraID, offerSDP string) (*ports.PreparedPeer, error) {
	peerID := domain.PeerID(utils.GeneratePeerID())
	ctx, span := tracing.TraceWebRTC(ctx, "prepare_peer", string(peerID), string(cameraID))
	defer span.End()

	source, err := f.sourceFor(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video",
		"vigilnet-"+string(cameraID),
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}
	go f.processRTCP(peerID, sender)

	answer, err := f.negotiate(ctx, pc, offerSDP)
	if err != nil {
		_ = pc.Close()
		tracing.RecordError(ctx, err)
		return nil, err
	}

	conn, port, err := f.ports.listen()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	forwarder := newRTPForwarder(peerID, source, conn, track, f.logger)
	forwarder.start(func() { f.ports.release(port) })

	runtime, err := domain.NewPeerRuntime(peerID, cameraID, pc, forwarder, port, f.clock.Now())
	if err != nil {
		forwarder.Abort()
		_ = pc.Close()
		return nil, err
	}

	pc.OnConnectionStateChange(f.handleConnectionState(peerID))

	f.logger.Infow("peer prepared",
		"peer_id", peerID,
		"camera_id", cameraID,
		"rtp_port", port,
	)

	return &ports.PreparedPeer{
		Runtime:   runtime,
		AnswerSDP: answer,
		RTPTarget: domain.RTPTarget{
			Host:        f.config.RTPHost,
			Port:        port,
			PayloadType: defaultPayloadType,
		},
	}, nil
}

// sourceFor returns the address of the node serving the camera. Only that
// node may push RTP to the peer.
func (f *PeerFactory) sourceFor(ctx context.Context, cameraID domain.CameraID) (net.IP, error) {
	target, err := f.cameras.Resolve(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if target.NodeIP == "" {
		return nil, domain.ErrNodeNotFound
	}
	ip := net.ParseIP(target.NodeIP)
	if ip == nil {
		return nil, fmt.Errorf("node %s has unusable ip %q", target.NodeID, target.NodeIP)
	}
	return ip, nil
}

// negotiate applies the offer and returns the answer with candidates
// gathered, since the HTTP signalling path has no trickle channel.
func (f *PeerFactory) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: invalid offer: %v", domain.ErrValidation, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(f.config.GatheringTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		f.logger.Warnw("ice gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description missing after negotiation")
	}
	return local.SDP, nil
}

func (f *PeerFactory) handleConnectionState(peerID domain.PeerID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		f.logger.Infow("peer connection state changed",
			"peer_id", peerID,
			"connection_state", state,
		)

		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		f.hooksMu.RLock()
		hooks := append(([]func(domain.PeerID))(nil), f.onFail...)
		f.hooksMu.RUnlock()
		for _, hook := range hooks {
			// Hooks may close the connection, which re-enters this callback.
			go hook(peerID)
		}
	}
}

// processRTCP drains receiver feedback so the interceptors keep running and
// logs what the browser reports about the stream.
func (f *PeerFactory) processRTCP(peerID domain.PeerID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				f.logger.Debugw("received PLI", "peer_id", peerID, "media_ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				f.logger.Debugw("received NACK", "peer_id", peerID, "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					f.logger.Debugw("receiver report",
						"peer_id", peerID,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}
