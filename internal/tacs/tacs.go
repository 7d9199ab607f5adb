// Package tacs implements the agent controller broker. It terminates two
// WebSocket interfaces: the northbound Ia endpoint used by test executables,
// tools and the server, and the southbound Xa endpoint used by agents and
// their probes. The broker keeps the agent/probe registry, arbitrates probe
// locks, relays probe traffic to subscribers, and proxies probe- and
// agent-addressed requests onto the owning southbound channel.
package tacs

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/node"
	"github.com/testerman/testerman/internal/repository"
	"github.com/testerman/testerman/pkg/tmsg"
)

// Options configures a broker.
type Options struct {
	// Repository is the document root served to agents via southbound GET,
	// holding probe packages and agent update components. A nil repository
	// serves nothing.
	Repository *repository.Service

	// ProxyTimeout bounds each proxied transaction. Zero selects the
	// transport default.
	ProxyTimeout time.Duration

	// Variables supplies the configuration snapshot served by
	// GET-VARIABLES; the broker merges its runtime counters into it.
	Variables func() map[string]interface{}

	// UserAgent identifies this broker to its peers.
	UserAgent string
}

// Broker is the agent controller. Mount its endpoints with Register and
// drive its channel servers with Run.
type Broker struct {
	log       *logger.Logger
	ctrl      *controller
	ia        *node.Server
	xa        *node.Server
	variables func() map[string]interface{}
}

// New creates a broker from the given options.
func New(opts Options, log *logger.Logger) *Broker {
	if opts.ProxyTimeout <= 0 {
		opts.ProxyTimeout = node.DefaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "testerman-tacs"
	}

	b := &Broker{
		log:       log,
		variables: opts.Variables,
	}
	b.ctrl = newController(opts.Repository, opts.ProxyTimeout, log)
	b.ia = node.NewServer("TACS/Ia", tmsg.ProtocolIa, opts.UserAgent, b.iaHandlers(), log)
	b.xa = node.NewServer("TACS/Xa", tmsg.ProtocolXa, opts.UserAgent, b.xaHandlers(), log)
	return b
}

// Register mounts both WebSocket endpoints on a gin router, for
// single-listener deployments.
func (b *Broker) Register(r gin.IRouter) {
	b.RegisterIa(r)
	b.RegisterXa(r)
}

// RegisterIa mounts the northbound endpoint, serving the server, TEs and
// command-line clients.
func (b *Broker) RegisterIa(r gin.IRouter) {
	r.GET("/ia", b.ia.HandleConnection)
}

// RegisterXa mounts the southbound endpoint, serving agents.
func (b *Broker) RegisterXa(r gin.IRouter) {
	r.GET("/xa", b.xa.HandleConnection)
}

// Run drives both channel servers until ctx is done, then closes every
// connected channel.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.ia.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.xa.Run(ctx)
	}()
	wg.Wait()
}

// Variables returns the configuration snapshot merged with the broker's
// runtime counters, as served by GET-VARIABLES.
func (b *Broker) Variables() map[string]interface{} {
	variables := make(map[string]interface{})
	if b.variables != nil {
		for name, value := range b.variables() {
			variables[name] = value
		}
	}
	for name, value := range b.ctrl.counters() {
		variables[name] = value
	}
	return variables
}
