package brain

import (
	"context"
	"fmt"
	"time"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/conversation"
	"github.com/brainkernel/brain/daemon"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/internal/store"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/plugin"
	"github.com/brainkernel/brain/queue"
	"github.com/brainkernel/brain/template"
)

// Kernel is the Shell Kernel: the single value a process constructs at
// startup and threads through everything else. It owns the three
// databases, the bus, and every subsystem built on top of them.
type Kernel struct {
	cfg    Config
	logger *logging.Logger
	clock  clockid.Clock
	ids    *clockid.IDGenerator

	entityDB *store.DB
	queueDB  *store.DB
	convDB   *store.DB

	Bus          *bus.Bus
	Entities     *entity.Store
	EntityTypes  *entity.Registry
	Templates    *template.Registry
	AI           aigateway.Gateway
	Queue        *queue.Queue
	Daemons      *daemon.Registry
	Plugins      *plugin.Manager
	Conversations *conversation.Store
	Topics       *conversation.TopicSummarizer

	cancel context.CancelFunc
}

// New constructs every kernel subsystem over already-open collaborators.
// Callers that just want the default wiring should use Open instead; New
// exists so tests can substitute an in-memory aigateway.Gateway and inject
// fixed clocks/IDs the way entity/queue/conversation's own tests do.
func New(cfg Config, logger *logging.Logger, clock clockid.Clock, entityDB, queueDB, convDB *store.DB, ai aigateway.Gateway) *Kernel {
	if logger == nil {
		logger = logging.Discard()
	}
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	ids := clockid.NewIDGenerator(clock, nil)
	idFunc := func() string { return clockid.NewOpaqueID() }

	b := bus.New(logger, idFunc)

	entityTypes := entity.NewRegistry()
	q := queue.New(queueDB, b, ids, clock, logger, queue.Config{
		WorkerCount:        cfg.QueueWorkerCount,
		DefaultMaxAttempts: cfg.QueueDefaultMaxAttempts,
		Retention: queue.Retention{
			Enabled:  cfg.RetentionEnabled,
			MaxAge:   cfg.RetentionMaxAge,
			MaxCount: cfg.RetentionMaxCount,
		},
	})
	entities := entity.New(entityDB, entityTypes, b, ids, clock, q, logger)
	templates := template.NewRegistry()
	daemons := daemon.New(b, clock, logger, daemon.Config{
		HealthPollInterval: cfg.DaemonHealthPollInterval,
		DegradeThreshold:   cfg.DaemonDegradeThreshold,
	})
	convStore := conversation.New(convDB, b, ids, clock, q, logger, conversation.Config{
		SummarizeEveryMessages: cfg.SummarizeEveryMessages,
		SummarizeEveryDuration: cfg.SummarizeEveryDuration,
	})
	plugins := plugin.NewManager(entities, entityTypes, templates, q, b, daemons, convStore, ai, clock, logger)
	topics := &conversation.TopicSummarizer{
		Store:      convStore,
		Entities:   entities,
		Templates:  templates,
		AI:         ai,
		IDs:        ids,
		Clock:      clock,
		Logger:     logger,
		TemplateID: conversation.DefaultTopicTemplateID,
	}

	if err := templates.Register(template.Template{
		PluginID:   "kernel",
		LocalName:  "conversation-topic",
		BasePrompt: conversation.DefaultTopicPrompt,
		Schema:     conversation.TopicGenerationSchema(),
	}); err != nil {
		logger.Error("failed to register default conversation-topic template", "error", err)
	}

	return &Kernel{
		cfg:           cfg,
		logger:        logger.Child("kernel"),
		clock:         clock,
		ids:           ids,
		entityDB:      entityDB,
		queueDB:       queueDB,
		convDB:        convDB,
		Bus:           b,
		Entities:      entities,
		EntityTypes:   entityTypes,
		Templates:     templates,
		AI:            ai,
		Queue:         q,
		Daemons:       daemons,
		Plugins:       plugins,
		Conversations: convStore,
		Topics:        topics,
	}
}

// Open opens (creating if necessary) the kernel's three SQLite databases
// at cfg's configured paths, applying each package's own migration list,
// then builds an AI gateway from environment credentials and returns a
// fully wired Kernel. This is the path cmd/braind uses; tests construct a
// Kernel with New directly over :memory: databases and fakes instead.
func Open(cfg Config, logger *logging.Logger) (*Kernel, error) {
	entityDB, err := store.Open(cfg.EntityDBPath, entity.Migrations)
	if err != nil {
		return nil, fmt.Errorf("open entity db: %w", err)
	}
	queueDB, err := store.Open(cfg.JobQueueDBPath, queue.Migrations)
	if err != nil {
		entityDB.Close()
		return nil, fmt.Errorf("open job queue db: %w", err)
	}
	convDB, err := store.Open(cfg.ConversationDBPath, conversation.Migrations)
	if err != nil {
		entityDB.Close()
		queueDB.Close()
		return nil, fmt.Errorf("open conversation db: %w", err)
	}

	var opts []aigateway.AnthropicOption
	if cfg.AnthropicModel != "" {
		opts = append(opts, aigateway.WithModel(cfg.AnthropicModel))
	}
	objectGen, err := aigateway.NewAnthropicGatewayFromEnv(opts...)
	if err != nil {
		logger.Warn("no ANTHROPIC_API_KEY set; AI-backed content generation will fail until one is configured", "error", err)
	}
	var voyageOpts []aigateway.VoyageOption
	if cfg.VoyageModel != "" {
		voyageOpts = append(voyageOpts, aigateway.WithVoyageModel(cfg.VoyageModel))
	}
	embedder := aigateway.NewVoyageEmbedderFromEnv(voyageOpts...)

	var ai aigateway.Gateway
	if objectGen != nil {
		ai = aigateway.NewComposite(objectGen, embedder)
	} else {
		ai = aigateway.NewComposite(noopObjectGenerator{}, embedder)
	}

	k := New(cfg, logger, clockid.SystemClock{}, entityDB, queueDB, convDB, ai)
	return k, nil
}

// noopObjectGenerator lets the kernel start without an Anthropic API key
// configured: entity storage, search, and embeddings all keep working,
// only AI-backed content generation is unavailable until one is set.
type noopObjectGenerator struct{}

func (noopObjectGenerator) GenerateObject(ctx context.Context, req aigateway.ObjectRequest) (aigateway.ObjectResponse, error) {
	return aigateway.ObjectResponse{}, fmt.Errorf("no AI object generator configured (set ANTHROPIC_API_KEY)")
}

// Start seals the entity type registry, starts every registered plugin in
// dependency order, launches the job queue's worker pool and the daemon
// registry's supervised daemons, and registers the conversation-topic job
// handler — the kernel's full boot sequence.
func (k *Kernel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.Queue.RegisterHandler(conversation.TopicJobType, k.Topics.Handler())

	if err := k.Plugins.Start(); err != nil {
		cancel()
		return fmt.Errorf("start plugins: %w", err)
	}
	k.EntityTypes.Seal()

	k.Daemons.Start(ctx)

	go func() {
		if err := k.Queue.Run(ctx); err != nil {
			k.logger.Error("job queue worker pool exited with error", "error", err)
		}
	}()

	k.logger.Info("kernel started")
	return nil
}

// Stop shuts plugins down in reverse dependency order, stops every
// supervised daemon, cancels the job queue's worker pool context, and
// closes the three databases. Best-effort: it logs failures rather than
// aborting partway.
func (k *Kernel) Stop() {
	k.logger.Info("kernel stopping")
	k.Plugins.Stop()
	k.Daemons.Stop()
	if k.cancel != nil {
		k.cancel()
	}
	// Give the worker pool's in-flight jobs a moment to observe
	// cancellation before the databases underneath them close.
	time.Sleep(100 * time.Millisecond)

	if err := k.entityDB.Close(); err != nil {
		k.logger.Error("failed to close entity db", "error", err)
	}
	if err := k.queueDB.Close(); err != nil {
		k.logger.Error("failed to close job queue db", "error", err)
	}
	if err := k.convDB.Close(); err != nil {
		k.logger.Error("failed to close conversation db", "error", err)
	}
}

// Query is the kernel's one outward request entrypoint. Command semantics
// and routing conventions for any particular message type are a
// plugin/interface concern, not the kernel core's, so Query is a thin,
// typed pass-through onto the bus's request/response aggregation rather
// than a command parser.
func (k *Kernel) Query(msgType string, payload any, target string) bus.Response {
	if target != "" {
		return k.Bus.Send(msgType, payload, false, bus.WithTarget(target), bus.WithSource("kernel"))
	}
	return k.Bus.Send(msgType, payload, false, bus.WithSource("kernel"))
}

// PluginContextFactory exposes the same per-category context construction
// plugin.Manager uses internally, for callers (tests, cmd/braind) that
// need to hand a plugin its Context without going through Manager.Start
// (e.g. to unit test a plugin's onRegister directly).
func (k *Kernel) PluginContextFactory() *plugin.Manager { return k.Plugins }
