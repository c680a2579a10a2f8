// Package bootstrap assembles the campaign runtime from configuration.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/paradixe-xz/evaInstance-sub000/internal/analysis"
	"github.com/paradixe-xz/evaInstance-sub000/internal/api/router"
	"github.com/paradixe-xz/evaInstance-sub000/internal/archive"
	appconfig "github.com/paradixe-xz/evaInstance-sub000/internal/config"
	"github.com/paradixe-xz/evaInstance-sub000/internal/contacts"
	"github.com/paradixe-xz/evaInstance-sub000/internal/dispatch"
	"github.com/paradixe-xz/evaInstance-sub000/internal/events"
	"github.com/paradixe-xz/evaInstance-sub000/internal/handoff"
	"github.com/paradixe-xz/evaInstance-sub000/internal/http/handlers"
	"github.com/paradixe-xz/evaInstance-sub000/internal/intent"
	"github.com/paradixe-xz/evaInstance-sub000/internal/llm"
	"github.com/paradixe-xz/evaInstance-sub000/internal/observability/metrics"
	"github.com/paradixe-xz/evaInstance-sub000/internal/orchestrator"
	"github.com/paradixe-xz/evaInstance-sub000/internal/statemachine"
	"github.com/paradixe-xz/evaInstance-sub000/internal/telnyx"
	"github.com/paradixe-xz/evaInstance-sub000/internal/templates"
	"github.com/paradixe-xz/evaInstance-sub000/internal/worker"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// Campaign is the assembled runtime shared by the API and worker binaries.
type Campaign struct {
	Config       *appconfig.Config
	Registry     *prometheus.Registry
	Metrics      *metrics.CampaignMetrics
	Storage      *Storage
	Queue        worker.Queue
	Publisher    *worker.Publisher
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Analysis     *analysis.Pipeline
	Worker       *worker.Worker
	Handoff      *handoff.Notifying
	Stream       *handoff.Stream
	Normalizer   *events.Normalizer
	// Deliverer relays outbox rows; nil unless the ledger is Postgres.
	Deliverer *events.Deliverer

	verify   handlers.SignatureVerifier
	timers   *orchestrator.AfterFuncScheduler
	memQueue *worker.MemoryQueue
	redis    *redis.Client
	logger   *logging.Logger
}

type buildOptions struct {
	messenger dispatch.Messenger
	telephony dispatch.Telephony
	reasoning llm.Client
	now       func() time.Time
}

// Option overrides a collaborator Build would otherwise derive from config.
type Option func(*buildOptions)

// WithProviders replaces the Telnyx-backed messenger and telephony.
func WithProviders(m dispatch.Messenger, t dispatch.Telephony) Option {
	return func(o *buildOptions) {
		o.messenger = m
		o.telephony = t
	}
}

// WithReasoningClient replaces the configured LLM provider.
func WithReasoningClient(c llm.Client) Option {
	return func(o *buildOptions) { o.reasoning = c }
}

// WithClock is used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// Build wires every component from cfg. Close must be called on the result.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger, opts ...Option) (*Campaign, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bo := buildOptions{now: time.Now}
	for _, opt := range opts {
		opt(&bo)
	}

	c := &Campaign{Config: cfg, logger: logger}
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.NewCampaignMetrics(c.Registry)

	c.redis = BuildRedisClient(ctx, cfg, logger, true)
	storage, err := BuildStorage(ctx, cfg, c.redis, logger)
	if err != nil {
		c.closeRedis()
		return nil, err
	}
	c.Storage = storage

	if err := c.build(ctx, cfg, awsCfg, bo); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Campaign) build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, bo buildOptions) error {
	logger := c.logger
	st := c.Storage

	if err := c.buildQueue(cfg, awsCfg); err != nil {
		return err
	}
	c.Publisher = worker.NewPublisher(c.Queue)

	messenger, telephony, err := buildProviders(cfg, bo, logger)
	if err != nil {
		return err
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithLocker(st.Locker),
		dispatch.WithEventSink(c.Publisher),
		dispatch.WithMetrics(c.Metrics),
		dispatch.WithLogger(logger),
		dispatch.WithClock(bo.now),
	}
	if messenger != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMessenger(messenger))
	}
	if telephony != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTelephony(telephony))
	}
	if strings.TrimSpace(cfg.CommandLogTable) != "" {
		dispatchOpts = append(dispatchOpts, dispatch.WithCommandLog(
			dispatch.NewDynamoCommandLog(dynamodb.NewFromConfig(awsCfg), cfg.CommandLogTable, logger),
		))
	}
	if strings.TrimSpace(cfg.TTSURL) != "" && strings.TrimSpace(cfg.AudioBucket) != "" {
		audio := dispatch.NewS3AudioStore(s3.NewFromConfig(awsCfg), cfg.AudioBucket, cfg.AudioBaseURL)
		dispatchOpts = append(dispatchOpts, dispatch.WithSynthesizer(
			dispatch.NewHTTPSynthesizer(cfg.TTSURL, cfg.TTSAPIKey, cfg.TTSVoice, audio, nil),
		))
		logger.Info("hosted speech synthesis enabled", "bucket", cfg.AudioBucket)
	}
	c.Dispatcher = dispatch.New(dispatch.Config{
		ProviderTimeout: cfg.ProviderCallTimeout,
		MaxRetries:      cfg.DispatchMaxRetries,
		InitialBackoff:  cfg.DispatchInitialBackoff,
		MaxBackoff:      cfg.DispatchMaxBackoff,
		RatePerSecond:   cfg.OutboundRatePerSecond,
		Burst:           cfg.OutboundBurst,
		PerMinute:       cfg.OutboundPerMinute,
	}, st.Ledger, dispatchOpts...)

	reasoning := bo.reasoning
	if reasoning == nil {
		reasoning, err = BuildReasoningClient(ctx, cfg, awsCfg, logger)
		if err != nil {
			return err
		}
	}

	catalog, err := templates.Load(cfg.TemplateCatalogPath)
	if err != nil {
		return err
	}

	c.Stream = handoff.NewStream(logger)
	c.Handoff = handoff.NewNotifying(st.Handoff,
		handoff.WithNotifier(BuildNotifier(cfg, awsCfg, messenger, logger)),
		handoff.WithPublisher(c.Stream),
		handoff.WithMetrics(c.Metrics),
		handoff.WithLogger(logger),
	)

	chainOpts := []intent.ChainOption{intent.WithTimeout(cfg.IntentTimeout), intent.WithLogger(logger)}
	if reasoning != nil {
		chainOpts = append(chainOpts, intent.WithPrimary(intent.NewLLMClassifier(reasoning, "")))
	}

	var scheduler orchestrator.Scheduler = c.Publisher
	if cfg.TimerBackend == "inline" {
		c.timers = orchestrator.NewAfterFuncScheduler(logger)
		scheduler = c.timers
		logger.Warn("campaign timers run in process; pending timers are lost on restart")
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithPolicy(PolicyFromConfig(cfg)),
		orchestrator.WithLocker(st.Locker),
		orchestrator.WithProcessedTracker(st.Processed),
		orchestrator.WithPublisher(c.Stream),
		orchestrator.WithPersona(cfg.AgentName, cfg.CampaignName),
		orchestrator.WithMetrics(c.Metrics),
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(bo.now),
	}
	if reasoning != nil && cfg.ResponderEnabled {
		orchOpts = append(orchOpts, orchestrator.WithResponder(
			analysis.NewResponder(reasoning, "", cfg.AgentName, cfg.CampaignName, cfg.IntentTimeout),
		))
	}
	c.Orchestrator = orchestrator.New(orchestrator.Deps{
		Ledger:      st.Ledger,
		Dispatcher:  c.Dispatcher,
		Transcripts: st.Transcripts,
		Classifier:  intent.NewChain(chainOpts...),
		Handoff:     c.Handoff,
		Scheduler:   scheduler,
		Analysis:    c.Publisher,
		Catalog:     catalog,
	}, orchOpts...)
	if c.timers != nil {
		c.timers.Bind(c.Orchestrator)
	}

	if reasoning == nil {
		reasoning = unavailableClient()
	}
	pipelineOpts := []analysis.Option{
		analysis.WithTimeout(cfg.AnalysisTimeout),
		analysis.WithMetrics(c.Metrics),
		analysis.WithLogger(logger),
		analysis.WithClock(bo.now),
		analysis.WithLocker(st.Locker),
	}
	if strings.TrimSpace(cfg.ArchiveBucket) != "" {
		pipelineOpts = append(pipelineOpts, analysis.WithArchiver(
			archive.NewStore(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, logger),
		))
	}
	c.Analysis = analysis.NewPipeline(st.Transcripts, st.Ledger, reasoning, c.Publisher, pipelineOpts...)

	receiveWait := 20
	if c.memQueue != nil {
		receiveWait = 1
	}
	c.Worker = worker.NewWorker(c.Queue, c.Orchestrator, c.Analysis, logger,
		worker.WithWorkerCount(cfg.WorkerCount),
		worker.WithReceiveWait(receiveWait),
		worker.WithRetry(cfg.WorkerAttempts, cfg.WorkerBackoff),
	)

	c.Normalizer = events.NewNormalizer(contacts.NewSessionLocator(st.Ledger),
		events.WithPhoneCanonicalizer(contacts.NormalizePhone),
		events.WithNormalizerLogger(logger),
	)
	verify, err := webhookVerifier(cfg, logger)
	if err != nil {
		return err
	}
	c.verify = verify

	if st.Outbox != nil {
		var forward worker.Queue
		if strings.TrimSpace(cfg.OutboxQueueURL) != "" {
			forward = worker.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.OutboxQueueURL)
		}
		c.Deliverer = events.NewDeliverer(st.Outbox, outboxForwarder(forward, logger), logger)
	}
	return nil
}

func (c *Campaign) buildQueue(cfg *appconfig.Config, awsCfg aws.Config) error {
	if cfg.UseMemoryQueue {
		c.memQueue = worker.NewMemoryQueue(256)
		c.Queue = c.memQueue
		c.logger.Info("using in-memory work queue")
		return nil
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return fmt.Errorf("bootstrap: QUEUE_URL is required when the memory queue is disabled")
	}
	c.Queue = worker.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
	c.logger.Info("using SQS work queue", "queue_url", cfg.QueueURL)
	return nil
}

// buildProviders returns the messenger and telephony, from options or a
// Telnyx client. Both are nil when Telnyx is not configured.
func buildProviders(cfg *appconfig.Config, bo buildOptions, logger *logging.Logger) (dispatch.Messenger, dispatch.Telephony, error) {
	if bo.messenger != nil || bo.telephony != nil {
		return bo.messenger, bo.telephony, nil
	}
	if strings.TrimSpace(cfg.TelnyxAPIKey) == "" {
		logger.Warn("telnyx not configured; outbound commands will fail")
		return nil, nil, nil
	}
	client, err := telnyx.New(telnyx.Config{
		BaseURL:            cfg.TelnyxAPIBaseURL,
		APIKey:             cfg.TelnyxAPIKey,
		MessagingProfileID: cfg.TelnyxMessagingProfileID,
		ConnectionID:       cfg.TelnyxConnectionID,
		FromNumber:         cfg.TelnyxFromNumber,
		WebhookSecret:      cfg.TelnyxWebhookSecret,
		Timeout:            cfg.ProviderCallTimeout,
		MaxSkew:            cfg.TelnyxWebhookMaxSkew,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: telnyx client: %w", err)
	}
	provider := dispatch.NewTelnyxProvider(client, cfg.TTSVoice)
	return provider, provider, nil
}

func webhookVerifier(cfg *appconfig.Config, logger *logging.Logger) (handlers.SignatureVerifier, error) {
	secret := strings.TrimSpace(cfg.TelnyxWebhookSecret)
	if secret == "" {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("bootstrap: TELNYX_WEBHOOK_SECRET is required in production")
		}
		logger.Warn("telnyx webhook signatures are not verified")
		return nil, nil
	}
	maxSkew := cfg.TelnyxWebhookMaxSkew
	return func(timestamp, signature string, body []byte) error {
		return telnyx.VerifySignature(secret, timestamp, signature, body, maxSkew, time.Now())
	}, nil
}

// outboxForwarder publishes canonical events to queue, or logs them when
// no downstream queue is configured.
func outboxForwarder(queue worker.Queue, logger *logging.Logger) events.DeliveryHandler {
	return events.DeliveryHandlerFunc(func(ctx context.Context, entry events.OutboxEntry) error {
		if queue == nil {
			logger.Info("contact event", "event_type", entry.EventType, "aggregate", entry.Aggregate, "event_id", entry.ID)
			return nil
		}
		body, err := json.Marshal(entry.Envelope)
		if err != nil {
			return fmt.Errorf("bootstrap: encode outbox entry %s: %w", entry.ID, err)
		}
		return queue.Send(ctx, string(body), 0)
	})
}

// PolicyFromConfig maps configured limits onto the state machine policy.
func PolicyFromConfig(cfg *appconfig.Config) statemachine.Policy {
	return statemachine.Policy{
		MaxConvincing:    cfg.MaxConvincingAttempts,
		MaxAmbiguous:     cfg.MaxAmbiguousResponses,
		MaxReengagements: cfg.MaxReengagements,
		InactivityWindow: cfg.InactivityWindow,
		RetryDelay:       cfg.NoResponseRetryDelay,
		ReplyTimeout:     cfg.ReplyTimeout,
		CallSetupTimeout: cfg.CallSetupTimeout,
		MaxCallDuration:  cfg.MaxCallDuration,
		AnalysisGuard:    cfg.AnalysisGuard,
	}
}

// Router builds the HTTP surface.
func (c *Campaign) Router() http.Handler {
	cfg := c.Config
	admin := handlers.NewAdminCampaignHandler(handlers.AdminCampaignConfig{
		Operator:    c.Orchestrator,
		Contacts:    c.Storage.Ledger,
		Handoff:     c.Handoff,
		Transcripts: c.Storage.Transcripts,
		Logger:      c.logger,
	})
	webhooks := handlers.NewTelnyxWebhookHandler(handlers.TelnyxWebhookConfig{
		Normalizer: c.Normalizer,
		Sink:       c.Publisher,
		Verify:     c.verify,
		Metrics:    c.Metrics,
		Logger:     c.logger,
	})
	return router.New(&router.Config{
		Logger:               c.logger,
		AdminCampaign:        admin,
		TelnyxWebhooks:       webhooks,
		HandoffStream:        c.Stream,
		MetricsHandler:       promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}),
		AdminAuthSecret:      cfg.AdminJWTSecret,
		Checks:               c.Storage.Checks,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		WebhookRatePerSecond: cfg.APIRateLimit,
		WebhookBurst:         cfg.APIRateBurst,
	})
}

// Run consumes the work queue and relays the outbox until ctx is done.
func (c *Campaign) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.Worker.Start(ctx)
	g.Go(func() error {
		c.Worker.Wait()
		return nil
	})
	if c.Deliverer != nil {
		g.Go(func() error {
			c.Deliverer.Start(ctx)
			return nil
		})
	}
	c.logger.Info("campaign worker running", "workers", c.Config.WorkerCount, "outbox", c.Deliverer != nil)
	return g.Wait()
}

// Close stops timers and releases queues and stores.
func (c *Campaign) Close() {
	if c.timers != nil {
		c.timers.Close()
	}
	if c.memQueue != nil {
		c.memQueue.Close()
	}
	if c.Storage != nil {
		c.Storage.Close()
	}
	c.closeRedis()
}

func (c *Campaign) closeRedis() {
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
}
