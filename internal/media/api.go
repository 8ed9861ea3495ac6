package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// EnginePopulator is implemented by sources whose encoders constrain the
// codecs a peer connection may negotiate. DeviceSource implements it on
// platforms with capture support.
type EnginePopulator interface {
	PopulateEngine(*webrtc.MediaEngine) error
}

// NewAPI builds the webrtc.API used for all call peer connections. When src
// brings its own encoders their codecs are registered; otherwise the default
// codec set is used, which covers receive-only calls.
func NewAPI(src Source) (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if p, ok := src.(EnginePopulator); ok {
		if err := p.PopulateEngine(engine); err != nil {
			return nil, err
		}
	} else {
		if err := engine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}

	// The default disconnected timeout of 5s drops calls during brief NAT
	// rebinds. Give ICE time to recover before declaring failure.
	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}
