package firehose

import (
	"context"
	"time"
)

// Kind discriminates the closed set of record kinds the decoder emits.
// Everything else on the stream is recognized and dropped before it reaches
// the filter.
type Kind string

const (
	KindPost   Kind = "post"
	KindLike   Kind = "like"
	KindFollow Kind = "follow"
	KindRepost Kind = "repost"
)

// Event is a decoded firehose record relevant to notifications. Events are
// immutable once emitted; the filter reads them and decides who, if anyone,
// gets notified.
type Event struct {
	Seq   int64
	Actor string // repo DID of the user who created the record
	URI   string // at:// URI of the record itself
	Kind  Kind
	Time  time.Time

	// Kind == KindLike or KindRepost: the post being liked/reposted.
	SubjectURI string

	// Kind == KindFollow: the DID being followed.
	SubjectDID string

	// Kind == KindPost only.
	Post *PostDetail
}

// PostDetail carries the parts of a post that can trigger reply, mention,
// and quote notifications. Malformed facet or embed data yields empty
// fields, never a decode failure.
type PostDetail struct {
	Text        string
	ReplyParent string   // at:// URI of the parent post, empty if not a reply
	Mentions    []string // DIDs extracted from richtext facets
	QuotedURI   string   // at:// URI of an embedded (quoted) record
}

// Handler receives decoded events. Called from scheduler workers, so
// implementations must be safe for concurrent use.
type Handler interface {
	HandleEvent(ctx context.Context, evt *Event)
}
