// Package http streams evaluation results as NDJSON to Vector or other
// HTTP collectors.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/armory/internal/codec"
	"github.com/ethpandaops/armory/internal/version"
)

// queuedBatches sizes the processor queue; concurrent matrix runs each
// enqueue up to one batch at a time.
const queuedBatches = 64

// collector posts batches of result events to the configured address.
type collector struct {
	log        logrus.FieldLogger
	cfg        Config
	client     *http.Client
	compressor *codec.Compressor
}

var _ processor.ItemExporter[ResultEvent] = (*collector)(nil)

func newCollector(log logrus.FieldLogger, cfg Config) (*collector, error) {
	algorithm, err := codec.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, err
	}

	compressor, err := codec.NewCompressor(algorithm)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	return &collector{
		log:        log,
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		compressor: compressor,
	}, nil
}

// ExportItems posts one NDJSON request. Runs present in the batch are
// listed in the X-Armory-Runs header.
func (c *collector) ExportItems(ctx context.Context, events []*ResultEvent) error {
	if len(events) == 0 {
		return nil
	}

	var (
		buf  bytes.Buffer
		runs []string
		seen = make(map[string]struct{}, 1)
	)

	enc := json.NewEncoder(&buf)

	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encoding result %s of run %s: %w", ev.ResultKey, ev.RunID, err)
		}

		if _, ok := seen[ev.RunID]; !ok {
			seen[ev.RunID] = struct{}{}
			runs = append(runs, ev.RunID)
		}
	}

	body, err := c.compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compressing results: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Armory-Runs", strings.Join(runs, ","))
	req.Header.Set("X-Armory-Results", strconv.Itoa(len(events)))

	if encoding := c.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.WithFields(logrus.Fields{
		"results": len(events),
		"runs":    len(runs),
		"bytes":   len(body),
	}).Debug("Posted results")

	return nil
}

func (c *collector) Shutdown(_ context.Context) error {
	return c.compressor.Close()
}

// Shipper delivers result events synchronously: Ship returns once the
// collector accepted every event or a request failed.
type Shipper struct {
	log  logrus.FieldLogger
	cfg  Config
	proc *processor.BatchItemProcessor[ResultEvent]
}

// NewShipper creates a Shipper. Call Start before shipping.
func NewShipper(log logrus.FieldLogger, cfg Config) (*Shipper, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log = log.WithField("component", "http_results")

	c, err := newCollector(log, cfg)
	if err != nil {
		return nil, err
	}

	// One worker keeps requests in the order results were shipped.
	proc, err := processor.NewBatchItemProcessor[ResultEvent](
		c,
		"armory_results",
		log,
		processor.WithShippingMethod(processor.ShippingMethodSync),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithMaxQueueSize(cfg.BatchSize*queuedBatches),
		processor.WithBatchTimeout(cfg.FlushInterval),
		processor.WithExportTimeout(cfg.Timeout),
		processor.WithWorkers(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return &Shipper{log: log, cfg: cfg, proc: proc}, nil
}

// Start starts the delivery worker.
func (s *Shipper) Start(ctx context.Context) {
	s.proc.Start(ctx)
}

// Ship posts events and waits for the collector to accept them.
func (s *Shipper) Ship(ctx context.Context, events []*ResultEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.deliveryTimeout(len(events)))
	defer cancel()

	if err := s.proc.Write(ctx, events); err != nil {
		return fmt.Errorf("shipping %d results: %w", len(events), err)
	}

	return nil
}

// Stop stops the delivery worker. Ship must not be called afterwards.
func (s *Shipper) Stop(ctx context.Context) error {
	return s.proc.Shutdown(ctx)
}
