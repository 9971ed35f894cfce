package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("archive")

// Archive batches delivery outcomes into daily BigQuery tables. Archival is
// best-effort: a full buffer drops the outcome rather than blocking the
// dispatch path.
type Archive struct {
	logger        *slog.Logger
	outcomeSchema bigquery.Schema
	client        *bigquery.Client
	dataset       *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	outcomeBuf chan *Outcome
}

func NewArchive(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*Archive, error) {
	outcomeSchema, err := bigquery.InferSchema(Outcome{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	a := &Archive{
		outcomeSchema: outcomeSchema,
		client:        bqClient,
		dataset:       bqDataset,
		logger:        logger.With("module", "archive"),
		tablePrefix:   tablePrefix,
		outcomeBuf:    make(chan *Outcome, 100_000),
	}

	// Batch insert outcomes every 5 seconds
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				// Flush what is still buffered before exiting
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				for len(a.outcomeBuf) > 0 {
					if err := a.insertOutcomes(flushCtx); err != nil {
						a.logger.Error("failed to flush outcomes during shutdown", "error", err)
						break
					}
				}
				cancel()
				return
			case <-t.C:
				if err := a.insertOutcomes(ctx); err != nil {
					a.logger.Error("failed to insert outcomes", "error", err)
				}
			}
		}
	}()

	return a, nil
}

// RecordOutcome buffers one delivery outcome. Never blocks.
func (a *Archive) RecordOutcome(ctx context.Context, outcome *Outcome) {
	_, span := tracer.Start(ctx, "RecordOutcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("user_did", outcome.UserDID),
		attribute.String("kind", outcome.Kind),
		attribute.String("result", outcome.Result),
		attribute.Int64("firehose_seq", outcome.FirehoseSeq),
	)

	select {
	case a.outcomeBuf <- outcome:
		outcomesProcessed.WithLabelValues(a.tablePrefix).Inc()
		queueDepth.WithLabelValues(a.tablePrefix).Inc()
	default:
		a.logger.Warn("outcome buffer full, dropping outcome")
	}
}

func (a *Archive) insertOutcomes(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertOutcomes")
	defer span.End()

	// Create table if it doesn't exist
	if err := a.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Grab up to 10_000 outcomes from the buffer
	outcomes := a.drainBuffer(10_000)
	if len(outcomes) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(a.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(a.tablePrefix).Observe(float64(len(outcomes)))
	}()

	if err := a.inserter.Put(ctx, outcomes); err != nil {
		return fmt.Errorf("failed to insert outcomes: %w", err)
	}

	return nil
}

func (a *Archive) drainBuffer(max int) []*Outcome {
	outcomes := make([]*Outcome, 0, max)
drain:
	for i := 0; i < max; i++ {
		select {
		case outcome := <-a.outcomeBuf:
			outcomes = append(outcomes, outcome)
			queueDepth.WithLabelValues(a.tablePrefix).Dec()
		default:
			break drain
		}
	}
	return outcomes
}

func (a *Archive) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().Format("20060102")

	if a.tableDate == today && a.inserter != nil {
		return nil
	}

	table := a.dataset.Table(fmt.Sprintf("%s_%s", a.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		a.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: a.outcomeSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	a.tableDate = today
	a.inserter = table.Inserter()

	return nil
}

func (a *Archive) Close() error {
	return a.client.Close()
}
