package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericvolp12/atproto-push/pkg/dispatch"
	"github.com/ericvolp12/atproto-push/pkg/firehose"
	"github.com/ericvolp12/atproto-push/pkg/store"
)

func TestClassifyLike(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind:       firehose.KindLike,
		Actor:      "did:plc:actor",
		SubjectURI: "at://did:plc:owner/app.bsky.feed.post/abc",
	})
	require.Len(t, cands, 1)
	assert.Equal(t, "did:plc:owner", cands[0].recipient)
	assert.Equal(t, []string{dispatch.KindLike}, cands[0].kinds)
}

func TestClassifyRepost(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind:       firehose.KindRepost,
		SubjectURI: "at://did:plc:owner/app.bsky.feed.post/abc",
	})
	require.Len(t, cands, 1)
	assert.Equal(t, []string{dispatch.KindRepost}, cands[0].kinds)
}

func TestClassifyFollow(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind:       firehose.KindFollow,
		SubjectDID: "did:plc:followed",
	})
	require.Len(t, cands, 1)
	assert.Equal(t, "did:plc:followed", cands[0].recipient)
	assert.Equal(t, []string{dispatch.KindFollow}, cands[0].kinds)
}

func TestClassifyPostIndependentTargets(t *testing.T) {
	// A reply to one user that mentions another notifies both
	cands := classify(&firehose.Event{
		Kind: firehose.KindPost,
		Post: &firehose.PostDetail{
			ReplyParent: "at://did:plc:parent/app.bsky.feed.post/p1",
			Mentions:    []string{"did:plc:mentioned"},
		},
	})
	require.Len(t, cands, 2)
	assert.Equal(t, "did:plc:parent", cands[0].recipient)
	assert.Equal(t, []string{dispatch.KindReply}, cands[0].kinds)
	assert.Equal(t, "did:plc:mentioned", cands[1].recipient)
	assert.Equal(t, []string{dispatch.KindMention}, cands[1].kinds)
}

func TestClassifyPostGroupsKindsPerRecipient(t *testing.T) {
	// Replying to and mentioning the same user yields one candidate
	// carrying both kinds
	cands := classify(&firehose.Event{
		Kind: firehose.KindPost,
		Post: &firehose.PostDetail{
			ReplyParent: "at://did:plc:target/app.bsky.feed.post/p1",
			Mentions:    []string{"did:plc:target"},
		},
	})
	require.Len(t, cands, 1)
	assert.Equal(t, "did:plc:target", cands[0].recipient)
	assert.Equal(t, []string{dispatch.KindReply, dispatch.KindMention}, cands[0].kinds)
}

func TestClassifyPostDedupesRepeatedMentions(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind: firehose.KindPost,
		Post: &firehose.PostDetail{
			Mentions: []string{"did:plc:target", "did:plc:target"},
		},
	})
	require.Len(t, cands, 1)
	assert.Equal(t, []string{dispatch.KindMention}, cands[0].kinds)
}

func TestClassifyPostQuoteAndReply(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind: firehose.KindPost,
		Post: &firehose.PostDetail{
			QuotedURI:   "at://did:plc:target/app.bsky.feed.post/q1",
			ReplyParent: "at://did:plc:target/app.bsky.feed.post/p1",
		},
	})
	require.Len(t, cands, 1)
	assert.Equal(t, []string{dispatch.KindQuote, dispatch.KindReply}, cands[0].kinds)
}

func TestClassifyIgnoresMalformedURIs(t *testing.T) {
	cands := classify(&firehose.Event{
		Kind:       firehose.KindLike,
		SubjectURI: "not-an-at-uri",
	})
	assert.Empty(t, cands)
}

func TestAllowsKind(t *testing.T) {
	device := store.Device{
		Preference: store.Preference{
			DeviceID: "d1",
			Replies:  true,
			Mentions: false,
		},
	}

	assert.True(t, allowsKind(device, dispatch.KindReply))
	assert.False(t, allowsKind(device, dispatch.KindMention))
	assert.False(t, allowsKind(device, dispatch.KindLike))
}

func TestAllowsKindMissingPreferenceRow(t *testing.T) {
	assert.True(t, allowsKind(store.Device{}, dispatch.KindLike))
	assert.True(t, allowsKind(store.Device{}, dispatch.KindMention))
}

func TestUriAuthority(t *testing.T) {
	assert.Equal(t, "did:plc:abc", uriAuthority("at://did:plc:abc/app.bsky.feed.post/xyz"))
	assert.Equal(t, "did:plc:abc", uriAuthority("at://did:plc:abc"))
	assert.Equal(t, "", uriAuthority("https://example.com"))
	assert.Equal(t, "", uriAuthority(""))
}

func TestRenderCopy(t *testing.T) {
	title, body := renderCopy(dispatch.KindLike, "alice.test", "hello world")
	assert.Equal(t, "@alice.test liked your post", title)
	assert.Equal(t, "hello world", body)

	title, body = renderCopy(dispatch.KindFollow, "alice.test", "")
	assert.Equal(t, "New follower", title)
	assert.Equal(t, "@alice.test followed you", body)

	title, _ = renderCopy(dispatch.KindReply, "alice.test", "hi")
	assert.Equal(t, "@alice.test replied to you", title)

	title, _ = renderCopy(dispatch.KindMention, "alice.test", "hi")
	assert.Equal(t, "@alice.test mentioned you", title)

	title, _ = renderCopy(dispatch.KindQuote, "alice.test", "hi")
	assert.Equal(t, "@alice.test quoted your post", title)

	title, _ = renderCopy(dispatch.KindRepost, "alice.test", "hi")
	assert.Equal(t, "@alice.test reposted your post", title)
}
