// Package media terminates the browser-facing WebRTC connection of a bridge.
package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
)

const (
	rtpBufferSize        = 1500
	maxConsecutiveErrors = 50
)

var pcmuCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: pcmuRate,
	Channels:  1,
}

type Config struct {
	ICEServers []string
	// FrameDuration is the pacing interval of outbound audio.
	FrameDuration time.Duration
	Logger        *slog.Logger
}

// Endpoint answers one browser offer, feeds decoded browser audio into the
// inbound queue and paces outbound audio pulled from the outbound queue.
type Endpoint struct {
	cfg     Config
	logger  *slog.Logger
	inbound *ingestor
	source  *OutboundSource
	format  audio.Format

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	states     chan ConnState
	sendOnce   sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup
	closedFlag bool
}

// New creates an endpoint that pushes browser audio into inbound and plays
// audio from outbound. Both queues must share the bridge format.
func New(cfg Config, inbound, outbound *audio.Queue) *Endpoint {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		cfg:     cfg,
		logger:  logger,
		inbound: &ingestor{q: inbound},
		source:  NewOutboundSource(outbound, cfg.FrameDuration),
		format:  outbound.Format(),
		ctx:     ctx,
		cancel:  cancel,
		states:  make(chan ConnState, 32),
	}
}

// States delivers connection state transitions. The channel is never closed.
func (e *Endpoint) States() <-chan ConnState {
	return e.states
}

// Underruns counts outbound frames padded with silence.
func (e *Endpoint) Underruns() uint64 {
	return e.source.Underruns()
}

// Accept applies the browser offer and returns the answer once ICE gathering
// completes, so the answer carries every local candidate. The caller must
// Close the endpoint when Accept fails.
func (e *Endpoint) Accept(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if err := CheckOffer(offer); err != nil {
		return SessionDescription{}, err
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		return SessionDescription{}, err
	}

	e.mu.Lock()
	if e.closedFlag {
		e.mu.Unlock()
		_ = pc.Close()
		return SessionDescription{}, core.ErrSessionClosed
	}
	e.pc = pc
	e.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(pcmuCapability, "audio", "vai-bridge")
	if err != nil {
		return SessionDescription{}, core.NewTransportError("create outbound track", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return SessionDescription{}, core.NewTransportError("add outbound track", err)
	}
	e.track = track

	// RTCP has to be read for interceptors (NACK, reports) to run.
	e.spawn(func() {
		buf := make([]byte, rtpBufferSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		state, ok := fromICEState(s)
		if !ok {
			return
		}
		e.logger.Debug("downstream ice state", "state", state.String())
		if state == StateConnected {
			e.sendOnce.Do(e.startSender)
		}
		e.emitState(state)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		e.spawn(func() { e.readRemoteAudio(remote) })
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return SessionDescription{}, core.ErrIncompatibleOffer.WithMessage("offer could not be applied").Wrap(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, core.ErrIncompatibleOffer.WithMessage("no compatible answer for offer").Wrap(err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, core.NewTransportError("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return SessionDescription{}, core.NewTransportError("ice gathering", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return SessionDescription{}, core.NewTransportError("local description missing after gathering", nil)
	}
	return SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (e *Endpoint) newPeerConnection() (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmuCapability,
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, core.NewTransportError("register PCMU codec", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, core.NewTransportError("register interceptors", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	)

	var servers []webrtc.ICEServer
	for _, u := range e.cfg.ICEServers {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, core.NewTransportError("create peer connection", err)
	}
	return pc, nil
}

func (e *Endpoint) emitState(s ConnState) {
	select {
	case e.states <- s:
	default:
		e.logger.Warn("downstream state dropped", "state", s.String())
	}
}

func (e *Endpoint) readRemoteAudio(track *webrtc.TrackRemote) {
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypePCMU) {
		e.logger.Error("unsupported browser codec", "codec", track.Codec().MimeType)
		return
	}

	buf := make([]byte, rtpBufferSize)
	consecutiveErrors := 0
	for {
		if e.ctx.Err() != nil {
			return
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || e.ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				e.logger.Error("too many consecutive read errors, stopping browser audio reader", "error", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.logger.Debug("failed to unmarshal rtp packet", "error", err)
			continue
		}
		more, err := e.inbound.write(pkt.Payload)
		if err != nil {
			e.logger.Error("browser audio rejected", "error", err)
			return
		}
		if !more {
			return
		}
	}
}

func (e *Endpoint) startSender() {
	e.spawn(e.sendLoop)
}

// spawn runs fn on a goroutine Close waits for. Once Close has begun it runs
// nothing, so no Add can race the final Wait.
func (e *Endpoint) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closedFlag {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// sendLoop writes one frame per tick. Deadlines advance from the schedule,
// not from wall clock, so pacing does not drift.
func (e *Endpoint) sendLoop() {
	frame := e.cfg.FrameDuration
	next := time.Now().Add(frame)
	timer := time.NewTimer(frame)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}

		next = next.Add(frame)
		if now := time.Now(); now.After(next) {
			next = now.Add(frame)
		}
		timer.Reset(time.Until(next))

		payload := encodePCMU(e.source.Next(), e.format.SampleRate)
		if err := e.track.WriteSample(pionmedia.Sample{Data: payload, Duration: frame}); err != nil {
			e.logger.Debug("failed to write sample to track", "error", err)
		}
	}
}

// Close tears down the peer connection and waits for reader and pacer
// goroutines. It is idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.mu.Lock()
		e.closedFlag = true
		pc := e.pc
		e.mu.Unlock()
		if pc != nil {
			err = pc.Close()
		}
		e.wg.Wait()
	})
	return err
}
