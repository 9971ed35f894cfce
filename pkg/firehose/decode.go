package firehose

import (
	"errors"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
)

var errMissingSubject = errors.New("record missing subject")

const (
	collectionPost   = "app.bsky.feed.post"
	collectionLike   = "app.bsky.feed.like"
	collectionRepost = "app.bsky.feed.repost"
	collectionFollow = "app.bsky.graph.follow"
)

// relevantCollection reports whether a repo path can produce a notification.
// Checked before the record bytes are read so irrelevant traffic stays cheap.
func relevantCollection(path string) bool {
	collection, _, ok := strings.Cut(path, "/")
	if !ok {
		return false
	}
	switch collection {
	case collectionPost, collectionLike, collectionRepost, collectionFollow:
		return true
	default:
		return false
	}
}

// decodeRecord turns a CBOR-decoded record into a domain event. Returns nil
// for record types the pipeline does not care about.
func decodeRecord(seq int64, actor, path string, raw []byte) (*Event, error) {
	rec, err := lexutil.CborDecodeValue(raw)
	if err != nil {
		return nil, err
	}

	evt := &Event{
		Seq:   seq,
		Actor: actor,
		URI:   "at://" + actor + "/" + path,
	}

	switch rec := rec.(type) {
	case *appbsky.FeedPost:
		evt.Kind = KindPost
		evt.Time = parseRecordTime(rec.CreatedAt)
		evt.Post = decodePostDetail(rec)
	case *appbsky.FeedLike:
		if rec.Subject == nil {
			return nil, errMissingSubject
		}
		evt.Kind = KindLike
		evt.Time = parseRecordTime(rec.CreatedAt)
		evt.SubjectURI = rec.Subject.Uri
	case *appbsky.FeedRepost:
		if rec.Subject == nil {
			return nil, errMissingSubject
		}
		evt.Kind = KindRepost
		evt.Time = parseRecordTime(rec.CreatedAt)
		evt.SubjectURI = rec.Subject.Uri
	case *appbsky.GraphFollow:
		evt.Kind = KindFollow
		evt.Time = parseRecordTime(rec.CreatedAt)
		evt.SubjectDID = rec.Subject
	default:
		return nil, nil
	}

	return evt, nil
}

// decodePostDetail extracts the reply parent, facet mentions, and quoted
// record from a post. Missing or malformed facet/embed structures yield
// empty fields rather than failing the event.
func decodePostDetail(post *appbsky.FeedPost) *PostDetail {
	detail := &PostDetail{Text: post.Text}

	if post.Reply != nil && post.Reply.Parent != nil {
		detail.ReplyParent = post.Reply.Parent.Uri
	}

	for _, facet := range post.Facets {
		if facet == nil {
			continue
		}
		for _, feature := range facet.Features {
			if feature == nil || feature.RichtextFacet_Mention == nil {
				continue
			}
			did := feature.RichtextFacet_Mention.Did
			if did == "" {
				continue
			}
			detail.Mentions = append(detail.Mentions, did)
		}
	}

	if post.Embed != nil {
		if post.Embed.EmbedRecord != nil && post.Embed.EmbedRecord.Record != nil {
			detail.QuotedURI = post.Embed.EmbedRecord.Record.Uri
		} else if post.Embed.EmbedRecordWithMedia != nil &&
			post.Embed.EmbedRecordWithMedia.Record != nil &&
			post.Embed.EmbedRecordWithMedia.Record.Record != nil {
			detail.QuotedURI = post.Embed.EmbedRecordWithMedia.Record.Record.Uri
		}
	}

	return detail
}

func parseRecordTime(s string) time.Time {
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
