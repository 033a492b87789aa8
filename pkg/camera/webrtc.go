package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// WebRTCOpener connects to a remote camera published through a GStreamer
// webrtcsink signalling server. The device name is the signalling URL; an
// optional ?producer=<meta name> query selects the producer, otherwise the
// first one listed is used.
type WebRTCOpener struct {
	// ConnectTimeout bounds signalling plus the wait for the video track.
	ConnectTimeout time.Duration

	// DecodeInterval rate limits H264 decoding.
	DecodeInterval time.Duration

	Logger *slog.Logger
}

// Open implements Opener.
func (o WebRTCOpener) Open(ctx context.Context, name string, cfg Config) (Device, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	}
	producer := u.Query().Get("producer")
	u.RawQuery = ""

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	interval := o.DecodeInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &webrtcDevice{
		signallingURL: u.String(),
		producerName:  producer,
		decoder:       newH264Decoder(interval),
		trackReady:    make(chan struct{}, 1),
		logger:        logger.With("component", "camera.webrtc", "url", u.String()),
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.connect(connectCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	}
	return d, nil
}

// webrtcDevice receives H264 over WebRTC and keeps the latest decoded frame.
type webrtcDevice struct {
	signallingURL string
	producerName  string

	ws      *websocket.Conn
	wsMutex sync.Mutex
	pc      *webrtc.PeerConnection

	myPeerID   string
	producerID string
	sessionID  atomic.Value // string

	decoder    *h264Decoder
	trackReady chan struct{}
	closed     atomic.Bool

	logger *slog.Logger
}

type signalMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Producers []struct {
		ID   string            `json:"id"`
		Meta map[string]string `json:"meta"`
	} `json:"producers,omitempty"`
	SDP *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp,omitempty"`
	ICE *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"ice,omitempty"`
}

func (d *webrtcDevice) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var err error
	d.ws, _, err = dialer.DialContext(ctx, d.signallingURL, nil)
	if err != nil {
		return fmt.Errorf("signalling connect: %w", err)
	}

	deadline, _ := ctx.Deadline()

	welcome, err := d.read(deadline)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %s", welcome.Type)
	}
	d.myPeerID = welcome.PeerID

	if err := d.findProducer(deadline); err != nil {
		return fmt.Errorf("find producer: %w", err)
	}

	if err := d.createPeerConnection(); err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}

	if err := d.write(map[string]string{"type": "startSession", "peerId": d.producerID}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	go d.handleSignalling()

	select {
	case <-d.trackReady:
		d.logger.Info("video track connected", "producer", d.producerID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for video track: %w", ctx.Err())
	}
}

func (d *webrtcDevice) read(deadline time.Time) (*signalMessage, error) {
	d.ws.SetReadDeadline(deadline)
	defer d.ws.SetReadDeadline(time.Time{})

	_, raw, err := d.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg signalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *webrtcDevice) write(v interface{}) error {
	d.wsMutex.Lock()
	defer d.wsMutex.Unlock()
	return d.ws.WriteJSON(v)
}

func (d *webrtcDevice) findProducer(deadline time.Time) error {
	if err := d.write(map[string]string{"type": "list"}); err != nil {
		return err
	}

	list, err := d.read(deadline)
	if err != nil {
		return err
	}

	for _, p := range list.Producers {
		if d.producerName == "" || p.Meta["name"] == d.producerName {
			d.producerID = p.ID
			return nil
		}
	}
	return fmt.Errorf("producer %q not found in %d producers", d.producerName, len(list.Producers))
}

func (d *webrtcDevice) createPeerConnection() error {
	var err error
	d.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}

	if _, err = d.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	d.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		if track.Codec().MimeType != webrtc.MimeTypeH264 {
			d.logger.Warn("unsupported video codec", "codec", track.Codec().MimeType)
			return
		}
		go d.handleVideoTrack(track)
	})

	d.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			d.sendICECandidate(candidate)
		}
	})

	d.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		d.logger.Debug("connection state", "state", state.String())
	})

	return nil
}

func (d *webrtcDevice) handleSignalling() {
	for !d.closed.Load() {
		_, raw, err := d.ws.ReadMessage()
		if err != nil {
			if !d.closed.Load() {
				d.logger.Warn("signalling error", "error", err)
			}
			return
		}

		var msg signalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "sessionStarted":
			d.sessionID.Store(msg.SessionID)
		case "peer":
			d.handlePeerMessage(&msg)
		case "endSession":
			return
		}
	}
}

func (d *webrtcDevice) handlePeerMessage(msg *signalMessage) {
	if msg.SDP != nil && msg.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
		if err := d.pc.SetRemoteDescription(offer); err != nil {
			d.logger.Warn("set remote description", "error", err)
			return
		}
		answer, err := d.pc.CreateAnswer(nil)
		if err != nil {
			d.logger.Warn("create answer", "error", err)
			return
		}
		if err := d.pc.SetLocalDescription(answer); err != nil {
			d.logger.Warn("set local description", "error", err)
			return
		}
		d.write(map[string]interface{}{
			"type":      "peer",
			"sessionId": d.session(),
			"sdp":       map[string]string{"type": answer.Type.String(), "sdp": answer.SDP},
		})
	}

	if msg.ICE != nil {
		d.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.ICE.Candidate,
			SDPMid:        msg.ICE.SDPMid,
			SDPMLineIndex: msg.ICE.SDPMLineIndex,
		})
	}
}

func (d *webrtcDevice) session() string {
	s, _ := d.sessionID.Load().(string)
	return s
}

func (d *webrtcDevice) sendICECandidate(candidate *webrtc.ICECandidate) {
	session := d.session()
	if session == "" {
		return
	}
	init := candidate.ToJSON()
	d.write(map[string]interface{}{
		"type":      "peer",
		"sessionId": session,
		"ice": map[string]interface{}{
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		},
	})
}

// handleVideoTrack reassembles NAL units and decodes one group of pictures
// at a time, starting at each SPS.
func (d *webrtcDevice) handleVideoTrack(track *webrtc.TrackRemote) {
	select {
	case d.trackReady <- struct{}{}:
	default:
	}

	var depacketizer codecs.H264Packet
	var gop bytes.Buffer

	for !d.closed.Load() {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		nal, err := depacketizer.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}

		if startsWithSPS(nal) {
			gop.Reset()
		}
		gop.Write(nal)

		if pkt.Marker {
			if err := d.decoder.Decode(context.Background(), gop.Bytes()); err != nil {
				d.logger.Debug("decode", "error", err)
			}
		}
	}
}

// startsWithSPS reports whether an Annex-B chunk begins with a sequence
// parameter set (NAL type 7).
func startsWithSPS(annexB []byte) bool {
	i := bytes.Index(annexB, []byte{0x00, 0x00, 0x01})
	if i < 0 || i+3 >= len(annexB) {
		return false
	}
	return annexB[i+3]&0x1F == 7
}

// Grab implements Device. Frames arrive as JPEG from the decoder; cfg is not
// re-applied.
func (d *webrtcDevice) Grab(cfg Config) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrStopped
	}
	frame := d.decoder.Latest()
	if frame == nil {
		return nil, ErrNotReady
	}
	return frame, nil
}

// Close implements Device.
func (d *webrtcDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	var err error
	if d.pc != nil {
		err = d.pc.Close()
	}
	if d.ws != nil {
		d.ws.Close()
	}
	return err
}
