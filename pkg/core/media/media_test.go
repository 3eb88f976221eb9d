package media

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vango-go/vai-bridge/pkg/core"
	"github.com/vango-go/vai-bridge/pkg/core/audio"
)

func newQueues() (*audio.Queue, *audio.Queue) {
	return audio.NewQueue(audio.DefaultFormat(), 25, audio.DropOldest),
		audio.NewQueue(audio.DefaultFormat(), 32, audio.Block)
}

func offerFrom(t *testing.T, setup func(pc *webrtc.PeerConnection) error, gather bool) SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if err := setup(pc); err != nil {
		t.Fatalf("setup: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if !gather {
		return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}
	}
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("offerer gathering timed out")
	}
	local := pc.LocalDescription()
	return SessionDescription{Type: local.Type.String(), SDP: local.SDP}
}

func TestCheckOffer_RejectsOfferWithoutAudio(t *testing.T) {
	offer := offerFrom(t, func(pc *webrtc.PeerConnection) error {
		_, err := pc.CreateDataChannel("events", nil)
		return err
	}, false)

	if err := CheckOffer(offer); !errors.Is(err, core.ErrIncompatibleOffer) {
		t.Fatalf("err=%v, want ErrIncompatibleOffer", err)
	}
}

func TestCheckOffer_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		offer SessionDescription
		param string
	}{
		{"empty", SessionDescription{Type: "offer"}, "offer.sdp"},
		{"answer", SessionDescription{Type: "answer", SDP: "v=0"}, "offer.type"},
		{"garbage", SessionDescription{Type: "offer", SDP: "not sdp"}, "offer.sdp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce *core.Error
			err := CheckOffer(tt.offer)
			if !errors.As(err, &ce) || ce.Type != core.ErrConfiguration || ce.Param != tt.param {
				t.Fatalf("err=%v, want configuration error on %s", err, tt.param)
			}
		})
	}
}

func TestEndpoint_AcceptRejectsOfferWithoutAudio(t *testing.T) {
	in, out := newQueues()
	e := New(Config{}, in, out)
	defer e.Close()

	offer := offerFrom(t, func(pc *webrtc.PeerConnection) error {
		_, err := pc.CreateDataChannel("events", nil)
		return err
	}, false)
	if _, err := e.Accept(context.Background(), offer); !errors.Is(err, core.ErrIncompatibleOffer) {
		t.Fatalf("err=%v, want ErrIncompatibleOffer", err)
	}
}

func TestEndpoint_AcceptAnswersAudioOfferWithPCMU(t *testing.T) {
	in, out := newQueues()
	e := New(Config{}, in, out)
	defer e.Close()

	offer := offerFrom(t, func(pc *webrtc.PeerConnection) error {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
		return err
	}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := e.Accept(ctx, offer)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if answer.Type != "answer" {
		t.Fatalf("answer type=%q", answer.Type)
	}
	if !strings.Contains(answer.SDP, "m=audio") || !strings.Contains(answer.SDP, "PCMU/8000") {
		t.Fatalf("answer lacks a PCMU audio line:\n%s", answer.SDP)
	}
}

func TestEndpoint_AcceptAfterCloseFails(t *testing.T) {
	in, out := newQueues()
	e := New(Config{}, in, out)
	_ = e.Close()

	offer := offerFrom(t, func(pc *webrtc.PeerConnection) error {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
		return err
	}, false)
	if _, err := e.Accept(context.Background(), offer); !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("err=%v, want ErrSessionClosed", err)
	}
}

func TestEndpoint_SpawnAfterCloseRunsNothing(t *testing.T) {
	in, out := newQueues()
	e := New(Config{}, in, out)

	release := make(chan struct{})
	if !e.spawn(func() { <-release }) {
		t.Fatalf("spawn before Close refused")
	}
	closed := make(chan struct{})
	go func() {
		_ = e.Close()
		close(closed)
	}()

	// Close must wait for the running goroutine and refuse new ones,
	// including callbacks that fire while it is waiting.
	waitClosing := time.Now().Add(time.Second)
	for {
		e.mu.Lock()
		flag := e.closedFlag
		e.mu.Unlock()
		if flag {
			break
		}
		if time.Now().After(waitClosing) {
			t.Fatalf("Close never started")
		}
		time.Sleep(time.Millisecond)
	}
	if e.spawn(func() { t.Errorf("spawned after Close") }) {
		t.Fatalf("spawn during Close accepted")
	}
	select {
	case <-closed:
		t.Fatalf("Close returned before the running goroutine finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
}

func TestEndpoint_ConcurrentSpawnAndClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		in, out := newQueues()
		e := New(Config{}, in, out)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.spawn(func() {})
			}()
		}
		_ = e.Close()
		wg.Wait()
	}
}

func TestOutboundSource_EmitsSilenceWhenEmpty(t *testing.T) {
	_, out := newQueues()
	src := NewOutboundSource(out, 20*time.Millisecond)

	frame := src.Next()
	if len(frame) != 960 {
		t.Fatalf("len=%d, want 960", len(frame))
	}
	if !bytes.Equal(frame, make([]byte, 960)) {
		t.Fatalf("expected silence")
	}
	if src.Underruns() != 1 {
		t.Fatalf("Underruns()=%d, want 1", src.Underruns())
	}
}

func TestOutboundSource_SplitsAndPadsFrames(t *testing.T) {
	_, out := newQueues()
	src := NewOutboundSource(out, 20*time.Millisecond)

	pcm := bytes.Repeat([]byte{7}, 1500)
	if ok, err := out.TryPush(audio.Frame{Format: audio.DefaultFormat(), PCM: pcm, Origin: audio.OriginUpstream}); !ok || err != nil {
		t.Fatalf("TryPush = (%v, %v)", ok, err)
	}

	first := src.Next()
	if !bytes.Equal(first, pcm[:960]) {
		t.Fatalf("first frame should be the head of the delta")
	}
	second := src.Next()
	if !bytes.Equal(second[:540], pcm[960:]) {
		t.Fatalf("second frame should carry the remainder")
	}
	if !bytes.Equal(second[540:], make([]byte, 420)) {
		t.Fatalf("second frame should be padded with silence")
	}
	if src.Underruns() != 1 {
		t.Fatalf("Underruns()=%d, want 1", src.Underruns())
	}
}

func TestIngestor_NormalizesToBridgeFormat(t *testing.T) {
	in, _ := newQueues()
	ing := &ingestor{q: in}

	payload := bytes.Repeat([]byte{0xFF}, 160) // 20ms of μ-law silence
	more, err := ing.write(payload)
	if err != nil || !more {
		t.Fatalf("write = (%v, %v)", more, err)
	}
	f, ok := in.TryPop()
	if !ok {
		t.Fatalf("expected a frame")
	}
	if f.Format != audio.DefaultFormat() || f.Origin != audio.OriginBrowser {
		t.Fatalf("unexpected frame header: %+v %v", f.Format, f.Origin)
	}
	if len(f.PCM) != 960 || f.Duration() != 20*time.Millisecond {
		t.Fatalf("len=%d duration=%v", len(f.PCM), f.Duration())
	}

	in.Close()
	if more, err := ing.write(payload); more || err != nil {
		t.Fatalf("write after close = (%v, %v), want (false, nil)", more, err)
	}
}

func TestEncodePCMU_FrameSize(t *testing.T) {
	payload := encodePCMU(make([]byte, 960), 24000)
	if len(payload) != 160 {
		t.Fatalf("len=%d, want 160", len(payload))
	}
	for _, b := range payload {
		if b != 0xFF {
			t.Fatalf("silence should encode to 0xff, got %#x", b)
		}
	}
}

func TestFromICEState(t *testing.T) {
	tests := []struct {
		in   webrtc.ICEConnectionState
		want ConnState
	}{
		{webrtc.ICEConnectionStateNew, StateNew},
		{webrtc.ICEConnectionStateChecking, StateChecking},
		{webrtc.ICEConnectionStateConnected, StateConnected},
		{webrtc.ICEConnectionStateCompleted, StateConnected},
		{webrtc.ICEConnectionStateDisconnected, StateDisconnected},
		{webrtc.ICEConnectionStateFailed, StateFailed},
		{webrtc.ICEConnectionStateClosed, StateClosed},
	}
	for _, tt := range tests {
		got, ok := fromICEState(tt.in)
		if !ok || got != tt.want {
			t.Fatalf("fromICEState(%v) = (%v, %v), want %v", tt.in, got, ok, tt.want)
		}
	}
}
