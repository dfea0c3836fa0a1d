package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/ui"
	"nhooyr.io/websocket"
)

const commandWriteTimeout = 5 * time.Second

// handleCommands streams UI commands to the adapter until either side
// closes. The adapter never sends anything on this socket.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	// Extension pages have opaque origins; the listener is loopback only.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Command stream upgrade failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	commands, unsubscribe := s.hub.Subscribe(s.cfg.CommandBuffer)
	defer unsubscribe()

	metrics.CommandSubscribers.Inc()
	defer metrics.CommandSubscribers.Dec()
	s.logger.Debug().Int("subscribers", s.hub.Subscribers()).Msg("Adapter subscribed to commands")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if err := s.writeCommand(ctx, conn, cmd); err != nil {
				s.logger.Debug().Err(err).Msg("Command stream closed")
				return
			}
		}
	}
}

func (s *Server) writeCommand(ctx context.Context, conn *websocket.Conn, cmd ui.Command) error {
	data, err := ui.Encode(cmd)
	if err != nil {
		s.logger.Error().Err(err).Msg("Dropping unencodable command")
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, commandWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
