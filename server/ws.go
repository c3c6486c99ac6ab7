package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quailyquaily/markedit/internal/strutil"
	"github.com/quailyquaily/markedit/notify"
)

const wsWriteTimeout = 10 * time.Second

type subscribeMessage struct {
	TaskID string `json:"taskId"`
}

// handleWS reads {taskId} subscriptions and runs one watch per message. All
// watches end when the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws_upgrade_error", "error", err.Error())
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var writeMu sync.Mutex
	send := func(f notify.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws_read_error", "error", err.Error())
			}
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || strings.TrimSpace(msg.TaskID) == "" {
			s.log.Debug("ws_bad_message", "payload", strutil.Preview(string(data), 256))
			continue
		}
		if s.deps.Notify == nil {
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := s.deps.Notify.Watch(ctx, id, send)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("ws_watch_stopped", "task_id", id, "error", err.Error())
			}
		}(strings.TrimSpace(msg.TaskID))
	}
}
