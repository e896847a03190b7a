package httpapi

import (
	"errors"
	"net/http"

	"github.com/agentworkforce/orbital/internal/chat"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type socketError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// handleChatSocket serves a conversation over one connection. Each text
// frame is an ask request; each reply is the ask result or an error object.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat_disabled", "chat is not configured", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("correlationId", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx := r.Context()
	for {
		var req chat.AskRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logger.Debug("websocket read ended", zap.String("correlationId", correlationID), zap.Error(err))
			}
			return
		}
		result, err := s.deps.Chat.Ask(ctx, req)
		var reply any = result
		if err != nil {
			code := "internal_error"
			if errors.Is(err, chat.ErrInvalidRequest) {
				code = "invalid_request"
			}
			reply = socketError{Code: code, Message: err.Error(), CorrelationID: correlationID}
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			s.logger.Debug("websocket write failed", zap.String("correlationId", correlationID), zap.Error(err))
			return
		}
	}
}
