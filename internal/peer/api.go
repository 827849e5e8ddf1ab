package peer

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/vineethgoud568-prog/CureMos/config"
)

const (
	pliInterval      = 3 * time.Second
	iceKeepaliveTime = 2 * time.Second
)

// codecProvider is implemented by media sources that encode with a fixed
// codec set and must register exactly those codecs.
type codecProvider interface {
	RegisterCodecs(*webrtc.MediaEngine) error
}

// API builds peer connections sharing one media engine, interceptor chain and
// ICE configuration.
type API struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewAPI(ice config.ICEConfig, call config.CallConfig, src MediaSource) (*API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cp, ok := src.(codecProvider); ok {
		if err := cp.RegisterCodecs(mediaEngine); err != nil {
			return nil, newError("register codecs", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, newError("register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, newError("register interceptors", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, newError("interval pli", err)
	}
	registry.Add(pli)

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(call.ICEDisconnectedTimeout, call.ICEFailedTimeout, iceKeepaliveTime)

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		config: Configuration(ice),
	}, nil
}

// Configuration converts the ICE section of the service config into a pion
// peer connection configuration.
func Configuration(ice config.ICEConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if stun := ice.STUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	turn := ice.TURNServers()
	if turn != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   ice.TURNUser,
			Credential: ice.TURNPass,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turn != nil && ice.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

func (a *API) newTransport() (transport, error) {
	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return nil, err
	}
	return &pionTransport{pc: pc}, nil
}
