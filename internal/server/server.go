// Package server implements the Testerman server façade: the Ws REST API
// for job control, the Xc websocket endpoint delivering events to external
// subscribers, and the Il websocket sink collecting execution logs from
// running test executables.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/events"
	"github.com/testerman/testerman/internal/events/bus"
	"github.com/testerman/testerman/internal/jobs"
	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/internal/tacs/client"
	v1 "github.com/testerman/testerman/pkg/api/v1"
	"github.com/testerman/testerman/pkg/tmsg"
)

// Options configures the server façade.
type Options struct {
	Registry *jobs.Registry
	Bus      bus.EventBus
	Logs     jobs.LogSink // execution log store fed by the Il endpoint
	// Variables supplies the configuration snapshot served by
	// GET /api/v1/variables, merged with the live counters.
	Variables func() map[string]interface{}
	UserAgent string
}

// Server bundles the three external interfaces around the job registry and
// the event bus.
type Server struct {
	log       *logger.Logger
	registry  *jobs.Registry
	bus       bus.EventBus
	logs      jobs.LogSink
	variables func() map[string]interface{}

	xc *node.Server
	il *node.Server

	mu            sync.Mutex
	subscriptions map[*node.Channel]map[string]bus.Subscription
}

// New builds the façade and installs the JOB-EVENT publisher on the
// registry.
func New(opts Options, log *logger.Logger) *Server {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "testerman-server"
	}
	s := &Server{
		log:           log.WithFields(zap.String("component", "server")),
		registry:      opts.Registry,
		bus:           opts.Bus,
		logs:          opts.Logs,
		variables:     opts.Variables,
		subscriptions: make(map[*node.Channel]map[string]bus.Subscription),
	}
	s.xc = node.NewServer("Xc", tmsg.ProtocolXc, userAgent, s.xcHandlers(), log)
	s.il = node.NewServer("Il", tmsg.ProtocolIl, userAgent, s.ilHandlers(), log)
	if s.registry != nil && s.bus != nil {
		s.registry.OnJobEvent(s.publishJobEvent)
	}
	return s
}

// Register mounts the REST routes and the websocket endpoints.
func (s *Server) Register(router gin.IRouter) {
	api := router.Group("/api/v1")
	api.POST("/jobs", s.submitJob)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.GET("/jobs/:id/details", s.getJobDetails)
	api.GET("/jobs/:id/log", s.getJobLog)
	api.POST("/jobs/:id/signal", s.signalJob)
	api.POST("/jobs/:id/reschedule", s.rescheduleJob)
	api.POST("/jobs/purge", s.purgeJobs)
	api.GET("/variables", s.getVariables)
	router.GET("/health", s.health)
	router.GET("/xc", s.xc.HandleConnection)
	router.GET("/il", s.il.HandleConnection)
}

// Run processes channel registrations on both websocket endpoints until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.xc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.il.Run(ctx)
	}()
	wg.Wait()
}

// publishJobEvent mirrors one job state change on the job's own channel and
// on system:jobs.
func (s *Server) publishJobEvent(job v1.Job) {
	data, err := eventData(job)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode job event")
		return
	}
	ctx := context.Background()
	uri := events.JobChannel(job.ID)
	if err := s.bus.Publish(ctx, events.SubjectForChannel(uri), bus.NewEvent(events.JobEvent, uri, data)); err != nil {
		s.log.Warn("Job event publication failed", zap.String("uri", uri), zap.Error(err))
	}
	mirror := bus.NewEvent(events.JobEvent, events.ChannelSystemJobs, data)
	if err := s.bus.Publish(ctx, events.SubjectForChannel(events.ChannelSystemJobs), mirror); err != nil {
		s.log.Warn("Job event mirror failed", zap.Int("job_id", job.ID), zap.Error(err))
	}
}

// BridgeProbeEvents republishes the agent controller's probe lifecycle
// events on the local bus, making them available to Xc subscribers of
// system:probes. The client must be connected.
func BridgeProbeEvents(ctx context.Context, c *client.Client, b bus.EventBus, log *logger.Logger) error {
	c.OnProbeEvent(func(event v1.ProbeEvent) {
		data, err := eventData(event)
		if err != nil {
			log.WithError(err).Warn("Discarding malformed probe event")
			return
		}
		ev := bus.NewEvent(events.ProbeEvent, events.ChannelSystemProbes, data)
		if err := b.Publish(ctx, events.SubjectForChannel(events.ChannelSystemProbes), ev); err != nil {
			log.WithError(err).Warn("Probe event republication failed")
		}
	})
	if err := c.Subscribe(tmsg.URISystemProbes); err != nil {
		return fmt.Errorf("watching probe events: %w", err)
	}
	return nil
}

// eventData flattens a wire DTO into the map carried by bus events,
// preserving the JSON field names.
func eventData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	data := make(map[string]interface{})
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
