package provider

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Instance is one loaded plugin plus its scoped resources: the shared HTTP
// client, an optional websocket connection, and the per-plugin limiter.
// Drop guarantees resource release.
type Instance struct {
	Impl        Provider
	Preferences Preferences
	Limiter     *rate.Limiter

	mu     sync.Mutex
	client *http.Client
	ws     *websocket.Conn
	inUse  bool
}

func newInstance(impl Provider, prefs Preferences, client *http.Client) *Instance {
	return &Instance{
		Impl:        impl,
		Preferences: prefs,
		Limiter:     NewLimiter(impl.RateLimit()),
		client:      client,
	}
}

// Name returns the plugin's registry key.
func (i *Instance) Name() string { return i.Impl.Name() }

// Type returns the provider type.
func (i *Instance) Type() string { return i.Impl.Type() }

// MarkInUse flags the instance so the reconciler defers dropping it while a
// long-running operation holds it.
func (i *Instance) MarkInUse(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inUse = v
}

// InUse reports whether a drop must be deferred.
func (i *Instance) InUse() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inUse
}

// AttachWebsocket stores the live stream connection as a scoped resource.
func (i *Instance) AttachWebsocket(conn *websocket.Conn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ws = conn
}

// Drop releases every scoped resource. Errors are logged, never returned:
// a failed close must not abort reconciliation.
func (i *Instance) Drop() {
	i.mu.Lock()
	ws := i.ws
	i.ws = nil
	client := i.client
	i.client = nil
	i.mu.Unlock()

	if ws != nil {
		if err := ws.Close(); err != nil {
			log.Warn().Str("provider", i.Name()).Err(err).Msg("Websocket close failed")
		}
	}
	if client != nil {
		client.CloseIdleConnections()
	}
	if err := i.Impl.Close(); err != nil {
		log.Warn().Str("provider", i.Name()).Err(err).Msg("Provider close failed")
	}
	log.Debug().Str("provider", i.Name()).Msg("Provider dropped")
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}
