package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// events streams the conversation's hub events as server-sent events until
// the client disconnects.
func (s *Server) events(c *gin.Context) {
	conv := c.Param("cid")
	ch, unsubscribe := s.svc.Hub.Subscribe(conv)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	var heartbeat <-chan time.Time
	if s.opts.Heartbeat > 0 {
		t := time.NewTicker(s.opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	s.log.Debug("event stream opened", zap.String("conversation_id", conv))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case b, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(gjson.GetBytes(b, "event").String(), string(b))
			return true
		}
	})
	s.log.Debug("event stream closed", zap.String("conversation_id", conv))
}
