// Package fhirhttp implements the HTTP/FHIR ingest listener (SPEC_FULL
// §1's fourth inbound transport: MLLP/filesystem/SFTP/HTTP-FHIR), grounded
// on original_source/integration_engine/services/input/fhir_listener.py's
// REST route shape (create_resource / process_message) and on this
// codebase's mux.NewRouter()+http.Server idiom from
// services/control-plane/registry/main.go.
package fhirhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/fhir"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
	"github.com/meridianhealth/interop-engine/internal/queue"
)

// Config wires one FHIR HTTP ingest listener.
type Config struct {
	Name        string
	Host        string
	Port        int
	OutputQueue string
	MaxBodySize int64 // default 4 MiB

	Queues  *queue.Manager
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Listener serves POST /fhir/{resourceType} (create) and POST
// /fhir/$process-message (Bundle or single resource) over plain FHIR+JSON,
// publishing every accepted body to OutputQueue and returning 202 with no
// further synchronous processing, matching the pipeline's async-ingest
// shape used by the other inbound transports.
type Listener struct {
	cfg    Config
	server *http.Server
}

func New(cfg Config) (*Listener, error) {
	if cfg.Queues == nil {
		return nil, fmt.Errorf("fhirhttp: queue manager required")
	}
	if cfg.OutputQueue == "" {
		return nil, fmt.Errorf("fhirhttp: output_queue required")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 4 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	l := &Listener{cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/health", l.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/fhir/$process-message", l.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/fhir/{resourceType}", l.handleIngest).Methods(http.MethodPost)

	l.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return l, nil
}

func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("fhirhttp: listen %s: %w", l.server.Addr, err)
	}
	l.cfg.Logger.Info("fhir http listener starting", logging.String("addr", l.server.Addr))
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.cfg.Logger.Error("fhir http listener stopped", logging.Err(err))
		}
	}()
	return nil
}

func (l *Listener) Stop(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (l *Listener) handleIngest(w http.ResponseWriter, r *http.Request) {
	resourceType := mux.Vars(r)["resourceType"]

	body, err := io.ReadAll(io.LimitReader(r.Body, l.cfg.MaxBodySize+1))
	if err != nil {
		l.writeOutcome(w, http.StatusBadRequest, "read request body failed: "+err.Error())
		return
	}
	if int64(len(body)) > l.cfg.MaxBodySize {
		l.writeOutcome(w, http.StatusRequestEntityTooLarge, "request body exceeds max_body_size")
		return
	}

	doc, err := fhir.Parse(body)
	if err != nil {
		l.writeOutcome(w, http.StatusBadRequest, err.Error())
		return
	}
	if resourceType != "" {
		if rt, _ := doc["resourceType"].(string); rt == "" {
			doc["resourceType"] = resourceType
		}
	}

	env := envelope.New(fmt.Sprintf("fhir-http://%s%s", r.RemoteAddr, r.URL.Path), "application/fhir+json", body)
	env.Body.Variant = envelope.VariantFHIRJSON
	env.Body.Content = doc
	if rt, _ := doc["resourceType"].(string); rt != "" {
		env.Header.MessageType = rt
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := l.cfg.Queues.Publish(ctx, l.cfg.OutputQueue, env); err != nil {
		l.writeOutcome(w, http.StatusServiceUnavailable, "publish failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{
			{"severity": "information", "code": "informational", "diagnostics": "accepted for processing", "details": map[string]any{"text": env.Header.MessageID}},
		},
	})
}

// writeOutcome renders a minimal FHIR OperationOutcome error body.
func (l *Listener) writeOutcome(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{
			{"severity": "error", "code": "invalid", "diagnostics": message},
		},
	})
}
