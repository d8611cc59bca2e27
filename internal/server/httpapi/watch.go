package httpapi

import (
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

// watch upgrades to a websocket and sends one JSON ChangeEvent per commit
// in the caller's readable budgets. Clients pull to fetch the changes.
func (s *Server) watch(c *gin.Context) {
	caller := callerOf(c)
	sub, err := s.sync.Subscribe(c.Request.Context(), caller, c.QueryArray("budget_id"))
	if err != nil {
		s.fail(c, "watch", err)
		return
	}
	defer s.sync.Events().Unsubscribe(sub)

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Warn(c.Request.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// nothing is read from the client; CloseRead handles control frames
	ctx := conn.CloseRead(c.Request.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug(ctx, "watch write failed", "user_id", caller.UserID, "error", err)
				return
			}
		}
	}
}
