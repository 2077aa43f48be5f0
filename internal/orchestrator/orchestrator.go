// Package orchestrator wires every inbound transport, processing stage,
// and outbound sender into one running engine process (SPEC_FULL §4.11),
// grounded on original_source/integration_engine/orchestrator.py's
// IntegrationEngine: config-driven service construction in
// inbound/processing/outbound order, start in that order, stop in reverse,
// all via explicit constructor injection rather than package-level
// singletons (the teacher's consistent style throughout pkg/*).
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianhealth/interop-engine/internal/config"
	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/fhir"
	"github.com/meridianhealth/interop-engine/internal/fhirhttp"
	"github.com/meridianhealth/interop-engine/internal/filewatch"
	"github.com/meridianhealth/interop-engine/internal/hl7"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
	"github.com/meridianhealth/interop-engine/internal/mllp"
	"github.com/meridianhealth/interop-engine/internal/queue"
	"github.com/meridianhealth/interop-engine/internal/routing"
	"github.com/meridianhealth/interop-engine/internal/sender"
	"github.com/meridianhealth/interop-engine/internal/stage"
	"github.com/meridianhealth/interop-engine/internal/transform"
)

// lifecycle is the common shape of every inbound transport this engine
// manages (mllp.Listener, filewatch.Watcher, filewatch.SFTPPoller,
// fhirhttp.Listener, stage.Stage all satisfy it).
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// namedService pairs a lifecycle with the name logged around its
// start/stop, mirroring the source's services dict iterated in insertion
// order on start and reverse order on stop.
type namedService struct {
	name string
	svc  lifecycle
}

// Engine owns every constructed component for one process. Nothing here is
// a package-level singleton; a second Engine built against a different
// config is entirely independent.
type Engine struct {
	cfg     *config.EngineConfig
	logger  *logging.Logger
	metrics *metrics.Registry
	queues  *queue.Manager

	services     []namedService
	metricsSrv   *http.Server
	shutdownWait time.Duration
}

// New constructs the engine's ambient stack (logger, metrics registry,
// queue manager) and every configured service, but starts nothing.
func New(cfg *config.EngineConfig) (*Engine, error) {
	logger := logging.New("interop-engine", logging.ParseLevel(cfg.Global.LogLevel))
	reg := metrics.New()

	queues, err := queue.NewManager(cfg.Queues, reg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: queue manager: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		metrics:      reg,
		queues:       queues,
		shutdownWait: parseDurationOr(cfg.Global.ShutdownTimeout, 30*time.Second),
	}

	if err := e.buildInbound(cfg.Inbound); err != nil {
		return nil, err
	}
	if err := e.buildProcessing(cfg.Processing); err != nil {
		return nil, err
	}
	if err := e.buildOutbound(cfg.Outbound); err != nil {
		return nil, err
	}
	e.buildMetricsServer(cfg.Global.MetricsAddr)

	return e, nil
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// add registers a service for ordered start/stop, refusing a duplicate
// name the same way the source's _add_service does.
func (e *Engine) add(name string, svc lifecycle) error {
	for _, s := range e.services {
		if s.name == name {
			return fmt.Errorf("orchestrator: service %q already exists", name)
		}
	}
	e.services = append(e.services, namedService{name: name, svc: svc})
	return nil
}

func (e *Engine) buildInbound(cfg config.InboundConfig) error {
	if cfg.HL7v2Listener.Enabled {
		opts := cfg.HL7v2Listener.Options
		l, err := mllp.New(mllp.Config{
			Name:        "hl7v2_listener",
			Host:        orDefault(cfg.HL7v2Listener.Host, "0.0.0.0"),
			Port:        orDefaultInt(cfg.HL7v2Listener.Port, 2575),
			BufferSize:  opts.BufferSize,
			OutputQueue: orDefault(cfg.HL7v2Listener.InputQueue, "inbound_hl7v2_messages"),
			Queues:      e.queues,
			Logger:      e.logger.With(logging.String("service", "hl7v2_listener")),
			Metrics:     e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("hl7v2_listener", l); err != nil {
			return err
		}
	}

	if cfg.FHIRListener.Enabled {
		l, err := fhirhttp.New(fhirhttp.Config{
			Name:        "fhir_listener",
			Host:        orDefault(cfg.FHIRListener.Host, "0.0.0.0"),
			Port:        orDefaultInt(cfg.FHIRListener.Port, 8080),
			OutputQueue: orDefault(cfg.FHIRListener.InputQueue, "inbound_fhir_messages"),
			Queues:      e.queues,
			Logger:      e.logger.With(logging.String("service", "fhir_listener")),
			Metrics:     e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("fhir_listener", l); err != nil {
			return err
		}
	}

	if cfg.FileWatcher.Enabled {
		opts := cfg.FileWatcher.Options
		w, err := filewatch.New(filewatch.Config{
			Name:         "file_watcher",
			WatchDir:     opts.WatchDir,
			ProcessedDir: opts.ProcessedDir,
			ErrorDir:     opts.ErrorDir,
			Glob:         opts.Glob,
			PollInterval: parseDurationOr(opts.PollInterval, time.Second),
			OutputQueue:  orDefault(cfg.FileWatcher.InputQueue, "inbound_hl7v2_messages"),
			Queues:       e.queues,
			Logger:       e.logger.With(logging.String("service", "file_watcher")),
		})
		if err != nil {
			return err
		}
		if err := e.add("file_watcher", w); err != nil {
			return err
		}
	}

	if cfg.SFTPWatcher.Enabled {
		opts := cfg.SFTPWatcher.Options
		p, err := filewatch.NewSFTPPoller(filewatch.SFTPConfig{
			Name:           "sftp_watcher",
			Host:           opts.Host,
			Port:           orDefaultInt(opts.Port, 22),
			Username:       opts.Username,
			PrivateKeyPath: opts.PrivateKeyPath,
			RemoteDir:      opts.RemoteDir,
			StagingDir:     opts.StagingDir,
			Glob:           opts.Glob,
			PollInterval:   parseDurationOr(opts.PollInterval, time.Minute),
			OutputQueue:    orDefault(cfg.SFTPWatcher.InputQueue, "inbound_hl7v2_messages"),
			Queues:         e.queues,
			Logger:         e.logger.With(logging.String("service", "sftp_watcher")),
		})
		if err != nil {
			return err
		}
		if err := e.add("sftp_watcher", p); err != nil {
			return err
		}
	}
	return nil
}

// buildTransformEngine constructs the rule registry shared by the
// transformation stage and by routing's "transform" action, so a routing
// rule can invoke a configured transformation rule by name whether or not
// the transformation stage itself runs as a separate pipeline step.
func buildTransformEngine(cfg config.ProcessingConfig) *transform.Engine {
	engine := transform.NewEngine()
	engine.Register(transform.BuiltinADTToPatient())
	for _, rc := range cfg.Transformation.Rules {
		engine.Register(transform.Rule{
			Name:              rc.Name,
			SourceFormat:      rc.SourceFormat,
			TargetFormat:      rc.TargetFormat,
			SourceMessageType: rc.SourceMessageType,
			TargetMessageType: rc.TargetMessageType,
			Mapping:           rc.Mapping,
		})
	}
	return engine
}

func (e *Engine) buildProcessing(cfg config.ProcessingConfig) error {
	transformEngine := buildTransformEngine(cfg)

	if cfg.Validation.Enabled || cfg.Validation.InputQueue != "" {
		st, err := stage.New(stage.Config{
			Name:              "validation",
			InputQueue:        orDefault(cfg.Validation.InputQueue, "inbound_messages"),
			OutputQueues:      []string{orDefault(cfg.Validation.OutputQueue, "validated_messages")},
			DefaultErrorQueue: orDefault(cfg.Validation.ErrorQueue, "validation_errors"),
			Process:           validateEnvelope,
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "validation")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("validation", st); err != nil {
			return err
		}
	}

	if cfg.Transformation.Enabled || cfg.Transformation.InputQueue != "" {
		st, err := stage.New(stage.Config{
			Name:              "transformation",
			InputQueue:        orDefault(cfg.Transformation.InputQueue, "validated_messages"),
			OutputQueues:      []string{orDefault(cfg.Transformation.OutputQueue, "transformed_messages")},
			DefaultErrorQueue: orDefault(cfg.Transformation.ErrorQueue, "transformation_errors"),
			Process:           transformProcessFunc(transformEngine),
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "transformation")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("transformation", st); err != nil {
			return err
		}
	}

	if cfg.Routing.Enabled || cfg.Routing.InputQueue != "" {
		engine := routing.NewEngine()
		engine.SetTransformer(transformEngine)
		defaultRoute := "unrouted_messages"
		rules := cfg.Routing.Routes
		if len(rules) == 0 {
			for _, r := range routing.DefaultRules(defaultRoute) {
				if err := engine.Register(r); err != nil {
					return err
				}
			}
		} else {
			for _, rc := range rules {
				rule, err := decodeRouteRule(rc)
				if err != nil {
					return err
				}
				if err := engine.Register(rule); err != nil {
					return err
				}
			}
		}
		st, err := stage.New(stage.Config{
			Name:              "routing",
			InputQueue:        orDefault(cfg.Routing.InputQueue, "transformed_messages"),
			DefaultErrorQueue: orDefault(cfg.Routing.ErrorQueue, "routing_errors"),
			Process:           routeProcessFunc(engine, e.queues, defaultRoute),
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "routing")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("routing", st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildOutbound(cfg config.OutboundConfig) error {
	if cfg.HL7v2Sender.Enabled {
		client, err := sender.NewMLLPClient(sender.MLLPClientConfig{
			Name:    "hl7v2_sender",
			Host:    cfg.HL7v2Sender.Host,
			Port:    cfg.HL7v2Sender.Port,
			Logger:  e.logger.With(logging.String("service", "hl7v2_sender")),
			Metrics: e.metrics,
		})
		if err != nil {
			return err
		}
		st, err := stage.New(stage.Config{
			Name:              "hl7v2_sender",
			InputQueue:        orDefault(cfg.HL7v2Sender.InputQueue, "outbound_hl7v2_messages"),
			DefaultErrorQueue: orDefault(cfg.HL7v2Sender.ErrorQueue, "outbound_hl7v2_errors"),
			Retry:             retryPolicyFor(cfg.HL7v2Sender.MaxRetries),
			Process:           sendProcessFunc(client.Send),
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "hl7v2_sender")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("hl7v2_sender", st); err != nil {
			return err
		}
	}

	if cfg.FHIRSender.Enabled {
		client, err := sender.NewFHIRClient(sender.FHIRClientConfig{
			Name:         "fhir_sender",
			BaseURL:      cfg.FHIRSender.BaseURL,
			AuthType:     cfg.FHIRSender.Auth.Type,
			Token:        cfg.FHIRSender.Auth.Token,
			TokenURL:     cfg.FHIRSender.Auth.TokenURL,
			ClientID:     cfg.FHIRSender.Auth.ClientID,
			ClientSecret: cfg.FHIRSender.Auth.ClientSecret,
			Scope:        cfg.FHIRSender.Auth.Scope,
			Logger:       e.logger.With(logging.String("service", "fhir_sender")),
			Metrics:      e.metrics,
		})
		if err != nil {
			return err
		}
		st, err := stage.New(stage.Config{
			Name:              "fhir_sender",
			InputQueue:        orDefault(cfg.FHIRSender.InputQueue, "outbound_fhir_messages"),
			DefaultErrorQueue: orDefault(cfg.FHIRSender.ErrorQueue, "outbound_fhir_errors"),
			Retry:             retryPolicyFor(cfg.FHIRSender.MaxRetries),
			Process:           sendProcessFunc(client.Send),
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "fhir_sender")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("fhir_sender", st); err != nil {
			return err
		}
	}

	if cfg.FileSender.Enabled {
		client, err := sender.NewFileClient(sender.FileClientConfig{
			Name:          "file_sender",
			OutputDir:     cfg.FileSender.OutputDir,
			CreateSubdirs: cfg.FileSender.CreateSubdirs,
			Logger:        e.logger.With(logging.String("service", "file_sender")),
		})
		if err != nil {
			return err
		}
		st, err := stage.New(stage.Config{
			Name:              "file_sender",
			InputQueue:        orDefault(cfg.FileSender.InputQueue, "outbound_file_messages"),
			DefaultErrorQueue: orDefault(cfg.FileSender.ErrorQueue, "outbound_file_errors"),
			Retry:             retryPolicyFor(cfg.FileSender.MaxRetries),
			Process:           sendProcessFunc(client.Send),
			Queues:            e.queues,
			Logger:            e.logger.With(logging.String("service", "file_sender")),
			Metrics:           e.metrics,
		})
		if err != nil {
			return err
		}
		if err := e.add("file_sender", st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildMetricsServer(addr string) {
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	e.metricsSrv = &http.Server{Addr: addr, Handler: mux}
}

// Start launches every service in registration order (inbound, then
// processing, then outbound) followed by the metrics HTTP server, matching
// the source's start() loop.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting interop engine")
	for _, s := range e.services {
		e.logger.Info("starting service", logging.String("service", s.name))
		if err := s.svc.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start %s: %w", s.name, err)
		}
	}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics server stopped", logging.Err(err))
		}
	}()
	e.logger.Info("interop engine started")
	return nil
}

// Shutdown stops every service in reverse order, each bounded by
// ShutdownTimeout, then closes the queue manager, matching the source's
// shutdown() (best-effort: one service's stop failure doesn't block the
// others from stopping).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("shutting down interop engine")

	shutdownCtx, cancel := context.WithTimeout(ctx, e.shutdownWait)
	defer cancel()
	_ = e.metricsSrv.Shutdown(shutdownCtx)

	for i := len(e.services) - 1; i >= 0; i-- {
		s := e.services[i]
		stopCtx, cancel := context.WithTimeout(ctx, e.shutdownWait)
		if err := s.svc.Stop(stopCtx); err != nil {
			e.logger.Error("error stopping service", logging.String("service", s.name), logging.Err(err))
		}
		cancel()
	}

	if err := e.queues.Close(); err != nil {
		e.logger.Error("error closing queue manager", logging.Err(err))
	}
	e.logger.Info("interop engine shutdown complete")
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// retryPolicyFor builds an outbound stage's redelivery policy, honoring an
// operator-configured max_retries count while keeping the default backoff
// window; queue.DefaultRetryPolicy() applies in full when maxRetries is unset.
func retryPolicyFor(maxRetries int) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy()
	if maxRetries > 0 {
		p.MaxAttempts = maxRetries
	}
	return p
}

func decodeRouteRule(rc config.RouteRuleConfig) (routing.Rule, error) {
	rule := routing.Rule{
		Name:        rc.Name,
		Description: rc.Description,
		Priority:    rc.Priority,
		Enabled:     rc.Enabled,
	}
	for _, c := range rc.Conditions {
		rule.Conditions = append(rule.Conditions, routing.Condition{Field: c.Field, Operator: c.Operator, Value: c.Value})
	}
	for _, a := range rc.Actions {
		rule.Actions = append(rule.Actions, routing.Action{Type: a.Type, Target: a.Target, Parameters: a.Parameters})
	}
	return rule, nil
}

// validateEnvelope is the validation stage's ProcessFunc: parses raw ER7
// or FHIR JSON per content type, runs the required-field/segment checks,
// and advances status to validated. A FHIR Bundle explodes into one output
// envelope per entry, each correlation_id = the Bundle envelope's
// message_id via Clone.
var fhirRegistry = fhir.NewRegistry()

func validateEnvelope(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
	switch {
	case isHL7ContentType(env.Header.ContentType):
		doc, _, err := hl7.Parse(env.Body.RawContent)
		if err != nil {
			return nil, errs.New("validation", errs.ParseError, err.Error(), err)
		}
		msgType := hl7.MessageType(doc)
		if err := hl7.Validate(doc, msgType); err != nil {
			return nil, errs.New("validation", errs.ValidationError, err.Error(), err)
		}
		out := env
		out.Body.Variant = envelope.VariantHL7Structured
		out.Body.Content = doc
		out.Header.MessageType = msgType
		out.Header.MessageControlID = hl7.MessageControlID(doc)
		if err := out.Advance(envelope.StatusValidated); err != nil {
			return nil, errs.New("validation", errs.Internal, err.Error(), err)
		}
		return []envelope.Envelope{out}, nil

	case isFHIRContentType(env.Header.ContentType):
		doc, err := fhir.Parse(env.Body.RawContent)
		if err != nil {
			return nil, errs.New("validation", errs.ParseError, err.Error(), err)
		}
		if entries, isBundle := fhir.BundleEntries(doc); isBundle {
			out := make([]envelope.Envelope, 0, len(entries))
			for _, entry := range entries {
				child := env.Clone()
				if err := setValidatedFHIR(&child, entry); err != nil {
					return nil, err
				}
				out = append(out, child)
			}
			return out, nil
		}
		out := env
		if err := setValidatedFHIR(&out, doc); err != nil {
			return nil, err
		}
		return []envelope.Envelope{out}, nil

	default:
		return nil, errs.New("validation", errs.ParseError, "unrecognized content_type: "+env.Header.ContentType, nil)
	}
}

func setValidatedFHIR(env *envelope.Envelope, doc map[string]any) error {
	violations, err := fhirRegistry.Validate(doc)
	if err != nil {
		return errs.New("validation", errs.ValidationError, err.Error(), err)
	}
	if len(violations) > 0 {
		return errs.New("validation", errs.ValidationError, fmt.Sprintf("schema violations: %v", violations), nil)
	}
	env.Body.Variant = envelope.VariantFHIRJSON
	env.Body.Content = doc
	if rt, _ := doc["resourceType"].(string); rt != "" {
		env.Header.MessageType = rt
	}
	return env.Advance(envelope.StatusValidated)
}

func isHL7ContentType(ct string) bool {
	return ct == "application/hl7-v2+er7"
}

func isFHIRContentType(ct string) bool {
	return ct == "application/fhir+json" || ct == "application/json"
}

// transformProcessFunc builds the transformation stage's ProcessFunc,
// closing over the rule engine.
func transformProcessFunc(engine *transform.Engine) stage.ProcessFunc {
	return func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
		sourceFormat := "hl7v2"
		if env.Body.Variant == envelope.VariantFHIRJSON {
			sourceFormat = "fhir"
		}
		rule, ok := engine.Match(sourceFormat, env.Header.MessageType)
		if !ok {
			// No applicable rule: pass the envelope through unchanged,
			// matching the source's default pipeline behavior of
			// leaving an unmatched document alone rather than erroring.
			return []envelope.Envelope{env}, nil
		}
		out, err := engine.Apply(env, rule)
		if err != nil {
			return nil, err
		}
		return []envelope.Envelope{out}, nil
	}
}

// routeProcessFunc builds the routing stage's ProcessFunc. Routing
// publishes directly to each forward-action destination queue (the set of
// destinations is per-envelope data, unlike a stage's fixed
// OutputQueues), records the routing audit trail, and returns no output
// envelopes since publication already happened.
func routeProcessFunc(engine *routing.Engine, queues *queue.Manager, defaultRoute string) stage.ProcessFunc {
	return func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
		result := engine.Route(&env)
		routing.RecordResult(&env, result)
		if err := env.Advance(envelope.StatusRouted); err != nil {
			return nil, errs.New("routing", errs.RoutingError, err.Error(), err)
		}

		if result.Dropped {
			// A "drop" action terminates processing: no publish, no
			// fallback to the default route.
			return nil, nil
		}

		destinations := env.Header.Destinations
		if len(destinations) == 0 {
			destinations = []string{defaultRoute}
		}
		for _, dest := range destinations {
			if err := queues.Publish(ctx, dest, env); err != nil {
				return nil, errs.New("routing", errs.RoutingError, "publish to "+dest+" failed", err)
			}
		}
		return nil, nil
	}
}

// sendProcessFunc adapts a sender's Send(ctx, env) error into a
// ProcessFunc so outbound delivery reuses the same stage worker pool,
// retry/backoff, and dead-letter machinery as every processing stage.
func sendProcessFunc(send func(context.Context, envelope.Envelope) error) stage.ProcessFunc {
	return func(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
		if err := send(ctx, env); err != nil {
			return nil, err
		}
		if err := env.Advance(envelope.StatusSent); err != nil {
			return nil, errs.New("sender", errs.Internal, err.Error(), err)
		}
		return nil, nil
	}
}
