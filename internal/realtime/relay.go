package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/aura-relay/internal/telemetry"
	"github.com/yegors/aura-relay/pkg/logger"
)

// Relay upgrades client connections and runs one Session per connection
type Relay struct {
	settings Settings
	hub      *Hub
	recorder telemetry.Recorder
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *logger.Logger
}

// NewRelay creates a relay. recorder may be nil.
func NewRelay(settings Settings, hub *Hub, recorder telemetry.Recorder, log *logger.Logger) *Relay {
	timeout := settings.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if recorder == nil {
		recorder = telemetry.Noop{}
	}
	return &Relay{
		settings: settings,
		hub:      hub,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: log.Named("relay"),
	}
}

// IsUpgrade reports whether r asks for a WebSocket upgrade
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// ServeHTTP handles one client connection for its whole lifetime
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := ParseProvider(q.Get("provider"))
	source := strings.TrimSpace(q.Get("source"))

	up, resolveErr := rl.settings.Resolve(provider, strings.TrimSpace(q.Get("model")))

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Error("Failed to upgrade connection", logger.Error(err))
		return
	}

	if resolveErr != nil {
		rl.logger.Error("Rejecting realtime session",
			logger.String("provider", string(provider)),
			logger.Error(resolveErr))
		NewSafeConn(conn).CloseWith(websocket.CloseInternalServerErr, resolveErr.Error())
		return
	}

	var candidates []string
	if provider == ProviderOpenAI {
		candidates = rl.settings.Candidates
	}

	s := newSession(conn, up, source, candidates, rl.recorder, rl.logger)
	s.onClose = rl.hub.unregister
	rl.hub.register(s)

	s.logger.Info("Realtime session opened",
		logger.String("remote_addr", r.RemoteAddr),
		logger.String("model", up.Model))

	s.run(rl.dialer, up)
}
