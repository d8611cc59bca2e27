package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/auth"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	"github.com/gin-gonic/gin"
)

const callerKey = "caller"

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket upgrade, so the access_token query parameter is accepted too.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query(common.AccessTokenHeaderName)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "missing token")
			return
		}

		userID, err := auth.GetUserIDFromToken(token, s.jwtSecret)
		if err != nil {
			msg := common.ErrInvalidToken.Error()
			if errors.Is(err, common.ErrTokenExpired) {
				msg = common.ErrTokenExpired.Error()
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}

		deviceID := c.GetHeader(common.HTTPDeviceIDHeader)
		if deviceID == "" {
			deviceID = c.Query(common.DeviceIDHeaderName)
		}
		c.Set(callerKey, services.Caller{UserID: userID, DeviceID: deviceID})
		c.Next()
	}
}

func callerOf(c *gin.Context) services.Caller {
	caller, _ := c.MustGet(callerKey).(services.Caller)
	return caller
}
