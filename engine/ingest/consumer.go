package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/pkg/natsutil"
)

const (
	// IngestSubject is the NATS subject for crawled content units.
	IngestSubject = "libro.ingest"
	// DLQSubject is the dead letter queue for units that keep failing.
	DLQSubject = "libro.ingest.dlq"
	// MaxRetries before a unit goes to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// dlqMessage is published to the DLQ on terminal failure.
type dlqMessage struct {
	Unit    domain.ContentUnit `json:"unit"`
	Error   string             `json:"error"`
	Retries int                `json:"retries"`
}

// StartConsumer subscribes to the ingest subject and runs each content unit
// through the pipeline. Transient failures are re-published with a retry
// header up to MaxRetries; fatal failures and exhausted retries go straight
// to the DLQ.
func StartConsumer(nc *nats.Conn, o *Orchestrator, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := o.EnsureReady(context.Background()); err != nil {
		return nil, fmt.Errorf("ingest: ensure collection: %w", err)
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var unit domain.ContentUnit
		if err := json.Unmarshal(msg.Data, &unit); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		ctx := natsutil.ExtractContext(context.Background(), msg)
		page, err := o.IngestUnit(ctx, unit)
		if err != nil {
			retries++
			log.Error("ingest: unit failed",
				"source_url", unit.SourceURL,
				"stage", page.FailedAt,
				"retry", retries,
				"error", err,
			)

			if domain.Retryable(err) && retries < MaxRetries {
				retry := nats.NewMsg(IngestSubject)
				retry.Data = msg.Data
				retry.Header = nats.Header{}
				retry.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
				if pubErr := nc.PublishMsg(retry); pubErr != nil {
					log.Error("ingest: retry publish failed", "error", pubErr)
				}
			} else {
				dlq := dlqMessage{Unit: unit, Error: err.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if pubErr := nc.Publish(DLQSubject, data); pubErr != nil {
					log.Error("ingest: DLQ publish failed", "error", pubErr)
				}
			}
		} else {
			log.Info("ingest: unit stored",
				"source_url", unit.SourceURL,
				"chunks", page.Chunks,
				"new", page.Outcome.New,
				"updated", page.Outcome.Updated,
				"unchanged", page.Outcome.Unchanged,
				"orphans", page.Orphans,
			)
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
