// Package colloquy provides a high-level façade over the orchestrator and
// its subsystems (event log, idempotency, guidance, claims, fan-out and
// agent lifecycle) enabling rapid construction of coordinated multi-agent
// conversations. Most applications interact with this package by:
//  1. Creating a Colloquy via New() (optionally overriding default
//     in-memory stores)
//  2. Creating conversations and ensuring their agents are running
//  3. Appending events and subscribing to the resulting feed, locally or
//     through the transport package
//
// All defaults are safe for local development and testing; production
// deployments typically supply the SQLite-backed stores and a structured
// logger.
package colloquy

import (
	"context"
	"time"

	"github.com/hupe1980/colloquy/blob"
	"github.com/hupe1980/colloquy/claim"
	"github.com/hupe1980/colloquy/core"
	"github.com/hupe1980/colloquy/eventstore"
	"github.com/hupe1980/colloquy/guidance"
	"github.com/hupe1980/colloquy/hub"
	"github.com/hupe1980/colloquy/idempotency"
	"github.com/hupe1980/colloquy/lifecycle"
	"github.com/hupe1980/colloquy/logging"
	"github.com/hupe1980/colloquy/orchestrator"
)

// Options configures the Colloquy instance.
type Options struct {
	// Stores (default to in-memory implementations if not provided)
	Events      core.EventStore
	Idempotency core.IdempotencyStore
	Blobs       core.BlobStore
	Registry    core.RegistryStore

	// GuidanceDeadline is the soft deadline attached to guidance anchors.
	// Zero keeps the default; negative disables deadlines.
	GuidanceDeadline time.Duration

	// Policies adds custom turn policies by name.
	Policies map[string]guidance.Policy

	// Runners adds agent runner factories by kind. The scripted kind is
	// always available.
	Runners map[string]lifecycle.RunnerFactory

	// Scenarios registers conversation templates for hydration.
	Scenarios []core.Scenario

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Colloquy is the high-level façade aggregating the orchestrator and the
// agent lifecycle host.
type Colloquy struct {
	opts Options
	orch *orchestrator.Orchestrator
	host *lifecycle.Host
}

// New creates a Colloquy instance with optional overrides. Any unset store
// is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Colloquy {
	opts := Options{
		Events:      eventstore.NewInMemoryStore(),
		Idempotency: idempotency.NewInMemoryStore(),
		Blobs:       blob.NewInMemoryStore(),
		Registry:    lifecycle.NewInMemoryRegistry(),
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	engine := guidance.New(func(o *guidance.Options) {
		o.Deadline = opts.GuidanceDeadline
		o.Policies = opts.Policies
		o.Logger = opts.Logger
	})
	orch := orchestrator.New(func(o *orchestrator.Options) {
		o.Events = opts.Events
		o.Idempotency = opts.Idempotency
		o.Blobs = opts.Blobs
		o.Guidance = engine
		o.Claims = claim.NewManager(func(co *claim.Options) { co.Logger = opts.Logger })
		o.Hub = hub.New(func(ho *hub.Options) { ho.Logger = opts.Logger })
		o.Logger = opts.Logger
	})
	for _, s := range opts.Scenarios {
		orch.RegisterScenario(s)
	}
	host := lifecycle.NewHost(orch, func(o *lifecycle.HostOptions) {
		o.Registry = opts.Registry
		o.Runners = opts.Runners
		o.Logger = opts.Logger
	})

	return &Colloquy{opts: opts, orch: orch, host: host}
}

// Orchestrator exposes the full coordination surface.
func (c *Colloquy) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Host exposes the agent lifecycle host, e.g. for the transport server.
func (c *Colloquy) Host() *lifecycle.Host { return c.host }

// CreateConversation creates a conversation from metadata.
func (c *Colloquy) CreateConversation(ctx context.Context, meta core.Metadata) (*core.Conversation, error) {
	return c.orch.CreateConversation(ctx, meta)
}

// SendMessage appends a message event.
func (c *Colloquy) SendMessage(ctx context.Context, conversation int64, agentID string, payload []byte, finality core.Finality) (*core.Event, error) {
	return c.orch.SendMessage(ctx, conversation, agentID, payload, finality, core.NewRequestID(), nil)
}

// Snapshot returns the conversation's full read view.
func (c *Colloquy) Snapshot(ctx context.Context, conversation int64) (*core.Snapshot, error) {
	return c.orch.Snapshot(ctx, conversation)
}

// EnsureAgents starts execution loops for the named agents.
func (c *Colloquy) EnsureAgents(ctx context.Context, conversation int64, agentIDs []string) error {
	return c.host.Ensure(ctx, conversation, agentIDs)
}

// StopAgents stops loops; an empty slice stops all agents of the
// conversation.
func (c *Colloquy) StopAgents(ctx context.Context, conversation int64, agentIDs []string) error {
	return c.host.Stop(ctx, conversation, agentIDs)
}

// ResumeAll restarts every loop recorded in the registry, called on process
// start.
func (c *Colloquy) ResumeAll(ctx context.Context) error {
	return c.host.ResumeAll(ctx)
}

// Close stops all agent loops and ends all subscriptions.
func (c *Colloquy) Close() {
	c.host.Close()
	c.orch.Close()
}
