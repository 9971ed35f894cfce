package firehose

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
)

// RepoCommit decodes the ops in a commit frame and hands relevant events to
// the handler. Decode failures are counted and dropped per-op; the frame is
// always accepted so one bad record never stalls the stream.
func (c *Consumer) RepoCommit(evt *atproto.SyncSubscribeRepos_Commit) error {
	ctx := context.Background()
	ctx, span := tracer.Start(ctx, "RepoCommit")
	defer span.End()

	span.SetAttributes(
		attribute.String("repo", evt.Repo),
		attribute.Int64("seq", evt.Seq),
	)

	framesReceived.WithLabelValues("commit").Inc()
	logger := c.logger.With("repo", evt.Repo, "seq", evt.Seq)

	// Cursor advances once the frame is accepted, even when every op inside
	// it is dropped.
	defer c.SetSeq(evt.Seq)

	if evt.TooBig {
		logger.Warn("commit too big, skipping")
		decodeErrors.WithLabelValues("too_big").Inc()
		return nil
	}

	opsNeedBlocks := false
	for _, op := range evt.Ops {
		if (op.Action == "create" || op.Action == "update") && relevantCollection(op.Path) {
			opsNeedBlocks = true
			break
		}
	}
	if !opsNeedBlocks {
		recordsIgnored.Add(float64(len(evt.Ops)))
		return nil
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		logger.Error("failed to read event repo", "err", err)
		decodeErrors.WithLabelValues("car").Inc()
		return nil
	}

	for _, op := range evt.Ops {
		switch op.Action {
		case "create", "update":
			if !relevantCollection(op.Path) {
				recordsIgnored.Inc()
				continue
			}
			if op.Cid == nil {
				logger.Warn("op missing cid", "path", op.Path, "action", op.Action)
				decodeErrors.WithLabelValues("missing_cid").Inc()
				continue
			}

			expected := (cid.Cid)(*op.Cid)
			got, rec, err := r.GetRecordBytes(ctx, op.Path)
			if err != nil {
				logger.Error("failed to get record bytes", "err", err, "path", op.Path)
				decodeErrors.WithLabelValues("missing_block").Inc()
				continue
			}
			if expected != got {
				logger.Warn("cid mismatch", "from_event", expected, "from_blocks", got)
				decodeErrors.WithLabelValues("cid_mismatch").Inc()
				continue
			}
			if rec == nil {
				logger.Warn("record not found in blocks", "cid", expected, "path", op.Path)
				decodeErrors.WithLabelValues("missing_block").Inc()
				continue
			}

			domainEvt, err := decodeRecord(evt.Seq, evt.Repo, op.Path, *rec)
			if err != nil {
				logger.Error("failed to decode record", "err", err, "path", op.Path)
				decodeErrors.WithLabelValues("cbor").Inc()
				continue
			}
			if domainEvt == nil {
				recordsIgnored.Inc()
				continue
			}

			eventsEmitted.WithLabelValues(string(domainEvt.Kind)).Inc()
			c.handler.HandleEvent(ctx, domainEvt)
		case "delete":
			// Deletions never produce notifications.
			recordsIgnored.Inc()
		default:
			logger.Warn("unknown action", "action", op.Action, "path", op.Path)
			decodeErrors.WithLabelValues("unknown_action").Inc()
		}
	}

	return nil
}

func (c *Consumer) RepoHandle(handle *atproto.SyncSubscribeRepos_Handle) error {
	framesReceived.WithLabelValues("handle").Inc()
	c.SetSeq(handle.Seq)
	return nil
}

func (c *Consumer) RepoIdentity(id *atproto.SyncSubscribeRepos_Identity) error {
	framesReceived.WithLabelValues("identity").Inc()
	c.SetSeq(id.Seq)
	return nil
}

func (c *Consumer) RepoInfo(info *atproto.SyncSubscribeRepos_Info) error {
	framesReceived.WithLabelValues("info").Inc()
	return nil
}

func (c *Consumer) RepoMigrate(migrate *atproto.SyncSubscribeRepos_Migrate) error {
	framesReceived.WithLabelValues("migrate").Inc()
	c.SetSeq(migrate.Seq)
	return nil
}

func (c *Consumer) RepoTombstone(tomb *atproto.SyncSubscribeRepos_Tombstone) error {
	framesReceived.WithLabelValues("tombstone").Inc()
	c.SetSeq(tomb.Seq)
	return nil
}

func (c *Consumer) LabelLabels(label *atproto.LabelSubscribeLabels_Labels) error {
	framesReceived.WithLabelValues("labels").Inc()
	return nil
}

func (c *Consumer) LabelInfo(info *atproto.LabelSubscribeLabels_Info) error {
	framesReceived.WithLabelValues("label_info").Inc()
	return nil
}

// Error handles an error frame from the relay. Protocol errors are not
// recoverable in place; returning an error tears the stream down so Run can
// reconnect with backoff.
func (c *Consumer) Error(errf *events.ErrorFrame) error {
	framesReceived.WithLabelValues("error").Inc()
	return fmt.Errorf("error frame from relay: %s: %s", errf.Error, errf.Message)
}
