package filter

import "github.com/ericvolp12/atproto-push/pkg/dispatch"

// renderCopy produces the notification title and body for a kind. The body
// is the post preview where one exists; follows have no post, so the body
// carries the action instead.
func renderCopy(kind, handle, preview string) (title, body string) {
	switch kind {
	case dispatch.KindLike:
		return "@" + handle + " liked your post", preview
	case dispatch.KindRepost:
		return "@" + handle + " reposted your post", preview
	case dispatch.KindReply:
		return "@" + handle + " replied to you", preview
	case dispatch.KindMention:
		return "@" + handle + " mentioned you", preview
	case dispatch.KindQuote:
		return "@" + handle + " quoted your post", preview
	case dispatch.KindFollow:
		return "New follower", "@" + handle + " followed you"
	default:
		return "@" + handle, preview
	}
}
