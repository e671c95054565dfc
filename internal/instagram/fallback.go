package instagram

import "context"

// CommentFallback is an optional capability for fetching comments with a
// logged-in session when both public endpoints come back empty. The
// default deployment ships the null implementation; a real one can be
// plugged in behind the session_fallback flag.
type CommentFallback interface {
	// CommentsByShortcode returns up to limit comments, or an empty
	// slice when the capability cannot help.
	CommentsByShortcode(ctx context.Context, shortcode string, limit int) ([]Comment, error)
}

// NoopCommentFallback is the null capability: it never returns comments.
type NoopCommentFallback struct{}

func (NoopCommentFallback) CommentsByShortcode(context.Context, string, int) ([]Comment, error) {
	return []Comment{}, nil
}
