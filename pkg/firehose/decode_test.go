package firehose

import (
	"bytes"
	"testing"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelevantCollection(t *testing.T) {
	assert.True(t, relevantCollection("app.bsky.feed.post/3kabc"))
	assert.True(t, relevantCollection("app.bsky.feed.like/3kabc"))
	assert.True(t, relevantCollection("app.bsky.feed.repost/3kabc"))
	assert.True(t, relevantCollection("app.bsky.graph.follow/3kabc"))

	assert.False(t, relevantCollection("app.bsky.graph.block/3kabc"))
	assert.False(t, relevantCollection("app.bsky.actor.profile/self"))
	assert.False(t, relevantCollection("no-slash"))
}

func TestDecodeLike(t *testing.T) {
	buf := new(bytes.Buffer)
	like := &appbsky.FeedLike{
		CreatedAt: "2024-02-20T12:00:00Z",
		Subject: &comatproto.RepoStrongRef{
			Uri: "at://did:plc:owner/app.bsky.feed.post/3kpost",
			Cid: "bafyreia",
		},
	}
	require.NoError(t, like.MarshalCBOR(buf))

	evt, err := decodeRecord(7, "did:plc:actor", "app.bsky.feed.like/3klike", buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, KindLike, evt.Kind)
	assert.Equal(t, int64(7), evt.Seq)
	assert.Equal(t, "did:plc:actor", evt.Actor)
	assert.Equal(t, "at://did:plc:actor/app.bsky.feed.like/3klike", evt.URI)
	assert.Equal(t, "at://did:plc:owner/app.bsky.feed.post/3kpost", evt.SubjectURI)
	assert.Equal(t, time.Date(2024, 2, 20, 12, 0, 0, 0, time.UTC), evt.Time.UTC())
}

func TestDecodeLikeMissingSubject(t *testing.T) {
	buf := new(bytes.Buffer)
	like := &appbsky.FeedLike{CreatedAt: "2024-02-20T12:00:00Z"}
	require.NoError(t, like.MarshalCBOR(buf))

	_, err := decodeRecord(1, "did:plc:actor", "app.bsky.feed.like/3klike", buf.Bytes())
	assert.ErrorIs(t, err, errMissingSubject)
}

func TestDecodeFollow(t *testing.T) {
	buf := new(bytes.Buffer)
	follow := &appbsky.GraphFollow{
		CreatedAt: "2024-02-20T12:00:00Z",
		Subject:   "did:plc:followed",
	}
	require.NoError(t, follow.MarshalCBOR(buf))

	evt, err := decodeRecord(9, "did:plc:actor", "app.bsky.graph.follow/3kf", buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, KindFollow, evt.Kind)
	assert.Equal(t, "did:plc:followed", evt.SubjectDID)
}

func TestDecodePostWithReplyMentionQuote(t *testing.T) {
	buf := new(bytes.Buffer)
	post := &appbsky.FeedPost{
		CreatedAt: "2024-02-20T12:00:00Z",
		Text:      "hey @alice check this out",
		Reply: &appbsky.FeedPost_ReplyRef{
			Parent: &comatproto.RepoStrongRef{
				Uri: "at://did:plc:parent/app.bsky.feed.post/3kp",
			},
		},
		Facets: []*appbsky.RichtextFacet{
			{
				Features: []*appbsky.RichtextFacet_Features_Elem{
					{
						RichtextFacet_Mention: &appbsky.RichtextFacet_Mention{
							Did: "did:plc:alice",
						},
					},
				},
			},
		},
		Embed: &appbsky.FeedPost_Embed{
			EmbedRecord: &appbsky.EmbedRecord{
				Record: &comatproto.RepoStrongRef{
					Uri: "at://did:plc:quoted/app.bsky.feed.post/3kq",
				},
			},
		},
	}
	require.NoError(t, post.MarshalCBOR(buf))

	evt, err := decodeRecord(11, "did:plc:actor", "app.bsky.feed.post/3kme", buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, KindPost, evt.Kind)
	require.NotNil(t, evt.Post)
	assert.Equal(t, "hey @alice check this out", evt.Post.Text)
	assert.Equal(t, "at://did:plc:parent/app.bsky.feed.post/3kp", evt.Post.ReplyParent)
	assert.Equal(t, []string{"did:plc:alice"}, evt.Post.Mentions)
	assert.Equal(t, "at://did:plc:quoted/app.bsky.feed.post/3kq", evt.Post.QuotedURI)
}

func TestDecodePlainPost(t *testing.T) {
	buf := new(bytes.Buffer)
	post := &appbsky.FeedPost{
		CreatedAt: "2024-02-20T12:00:00Z",
		Text:      "just posting",
	}
	require.NoError(t, post.MarshalCBOR(buf))

	evt, err := decodeRecord(3, "did:plc:actor", "app.bsky.feed.post/3kp", buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.NotNil(t, evt.Post)

	assert.Empty(t, evt.Post.ReplyParent)
	assert.Empty(t, evt.Post.Mentions)
	assert.Empty(t, evt.Post.QuotedURI)
}

func TestDecodeIrrelevantRecord(t *testing.T) {
	buf := new(bytes.Buffer)
	block := &appbsky.GraphBlock{
		CreatedAt: "2024-02-20T12:00:00Z",
		Subject:   "did:plc:blocked",
	}
	require.NoError(t, block.MarshalCBOR(buf))

	evt, err := decodeRecord(5, "did:plc:actor", "app.bsky.graph.block/3kb", buf.Bytes())
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestParseRecordTimeFallback(t *testing.T) {
	before := time.Now().UTC()
	got := parseRecordTime("not a timestamp")
	assert.False(t, got.Before(before.Add(-time.Second)))
}
