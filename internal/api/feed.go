package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

// FeedConfig controls websocket feed connections.
type FeedConfig struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
}

// feed streams every operation the manager commits or applies to websocket
// clients as JSON text frames. An optional model query parameter filters by
// model or relation name.
type feed struct {
	m        *syncstate.Manager
	logger   zerolog.Logger
	cfg      FeedConfig
	upgrader websocket.Upgrader
}

func newFeed(m *syncstate.Manager, logger zerolog.Logger, cfg FeedConfig) *feed {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &feed{
		m:      m,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")

	ops, unsubscribe := f.m.Subscribe(f.cfg.SendBuffer)
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		f.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	feedClients.Inc()
	logger := f.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("feed connection established")

	go func() {
		defer feedClients.Dec()
		defer unsubscribe()
		f.serve(conn, ops, model, logger)
	}()
}

func (f *feed) serve(conn *websocket.Conn, ops <-chan types.CRDTOperation, model string, logger zerolog.Logger) {
	defer conn.Close()

	tolerance := 2 * f.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(tolerance))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tolerance))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug().Err(err).Msg("feed read loop exited")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case op, ok := <-ops:
			if !ok {
				f.closeWith(conn, websocket.CloseGoingAway, "shutting down")
				return
			}
			if model != "" && op.Typ.ModelName() != model {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			if err := conn.WriteJSON(op); err != nil {
				logger.Debug().Err(err).Msg("feed write failed")
				return
			}
			feedMessages.Inc()
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

func (f *feed) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(f.cfg.WriteTimeout))
}
