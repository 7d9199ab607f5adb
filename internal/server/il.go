package server

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/pkg/tmsg"
)

// The Il endpoint receives execution log events from running test
// executables as LOG notifications: the payload is one serialized XML
// element, the Log-Filename header names the target file and Log-Timestamp
// carries the event time in fractional seconds. Events are appended to the
// archive and republished on the job's channel.
func (s *Server) ilHandlers() *node.Handlers {
	return &node.Handlers{
		OnNotification: s.ilNotification,
	}
}

func (s *Server) ilNotification(ctx context.Context, ch *node.Channel, notif *tmsg.Message) {
	if notif.Method != tmsg.MethodLog {
		s.log.Debug("Ignoring Il notification", zap.String("method", notif.Method))
		return
	}
	var element string
	if err := notif.ParsePayload(&element); err != nil {
		s.log.Warn("Discarding malformed log event", zap.String("uri", notif.URI), zap.Error(err))
		return
	}
	filename := notif.GetHeader(tmsg.HeaderLogFilename)
	if filename == "" {
		s.log.Warn("Discarding log event without a target file", zap.String("uri", notif.URI))
		return
	}
	timestamp := time.Now()
	if raw := notif.GetHeader(tmsg.HeaderLogTimestamp); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			timestamp = time.Unix(0, int64(seconds*float64(time.Second)))
		}
	}
	s.logs.AppendLogEvent(notif.URI, filename, notif.GetHeader(tmsg.HeaderLogClass), timestamp, []byte(element))
}
