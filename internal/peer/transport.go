package peer

import (
	"github.com/pion/webrtc/v4"
)

// transport is the subset of a pion PeerConnection the Manager drives.
type transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (trackSender, error)
	CreateDataChannel(label string) (dataChannel, error)

	// OnICECandidate receives nil once gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(dataChannel))

	Close() error
}

type trackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

type dataChannel interface {
	Label() string
	Send([]byte) error
	OnOpen(func())
	OnMessage(func(webrtc.DataChannelMessage))
	Close() error
}

// pionTransport adapts *webrtc.PeerConnection to transport.
type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(d)
}

func (t *pionTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Read incoming RTCP packets so interceptors (NACK, PLI) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (t *pionTransport) CreateDataChannel(label string) (dataChannel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (t *pionTransport) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (t *pionTransport) OnTrack(f func(*webrtc.TrackRemote)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (t *pionTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pionTransport) OnDataChannel(f func(dataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
