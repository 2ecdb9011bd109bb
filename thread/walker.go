package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mastothread/mastothread/mastodon"
)

// Walk made more context fetches than [Walker.Limit] allows. Reply trees are acyclic, so this means
// a misbehaving server or an unusually long thread.
var ErrWalkLimit = errors.New("thread walk limit exceeded")

const DefaultWalkLimit = 64

// Walker reconstructs an author's self-reply chain from any post in a conversation.
type Walker struct {
	Client *mastodon.Client
	// Maximum number of context fetches in a single walk. Defaults to [DefaultWalkLimit].
	Limit  int
	Logger *slog.Logger
}

// Thread is a walk result ready for rendering: the conversation root, then the author's chain.
type Thread struct {
	Root  mastodon.Post
	Chain []mastodon.Post
}

// All returns the root followed by the chain.
func (t *Thread) All() []mastodon.Post {
	out := make([]mastodon.Post, 0, len(t.Chain)+1)
	out = append(out, t.Root)
	return append(out, t.Chain...)
}

func NewWalker(client *mastodon.Client, limit int) *Walker {
	return &Walker{
		Client: client,
		Limit:  limit,
		Logger: slog.Default(),
	}
}

func (w *Walker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

// Fetch resolves raw to a post, then walks the thread written by that post's author. The root is the
// earliest ancestor when the walk found one, otherwise the post itself.
func (w *Walker) Fetch(ctx context.Context, raw string) (*Thread, error) {
	start, err := mastodon.ParsePostURL(raw)
	if err != nil {
		return nil, fmt.Errorf("fetching initial toot: %w", err)
	}

	post, err := w.Client.GetStatus(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("fetching toot details: %w", err)
	}

	res, err := w.walk(ctx, start, post.Account)
	if err != nil {
		return nil, fmt.Errorf("fetching toot replies: %w", err)
	}

	th := &Thread{Root: *post, Chain: res.chain}
	if res.root != nil {
		th.Root = *res.root
	}
	return th, nil
}

// Walk returns the posts in the thread after its root, in thread order. The author is usually taken
// from a separate status fetch of start.
//
// The walk first follows the first ancestor back to the conversation root. It then repeatedly
// fetches context from the newest accepted post, since servers cap the number of descendants
// returned per call. Only descendants written by author in reply to author are accepted. The walk
// ends when a fetch yields no accepted descendants.
//
// Any fetch failure fails the whole walk; no partial chain is returned.
func (w *Walker) Walk(ctx context.Context, start mastodon.PostURL, author mastodon.Account) ([]mastodon.Post, error) {
	res, err := w.walk(ctx, start, author)
	if err != nil {
		return nil, err
	}
	return res.chain, nil
}

type walkResult struct {
	// earliest ancestor, if the walk had to move to it
	root  *mastodon.Post
	chain []mastodon.Post
	hops  int
}

func (w *Walker) walk(ctx context.Context, start mastodon.PostURL, author mastodon.Account) (*walkResult, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = DefaultWalkLimit
	}
	logger := w.logger().With("start", start, "author", author.URL)

	begin := time.Now()
	res := &walkResult{}
	cursor := start
	atRoot := false

	for {
		if res.hops >= limit {
			walkOutcomes.WithLabelValues("limit").Inc()
			logger.Warn("thread walk limit reached", "limit", limit, "cursor", cursor, "chain", len(res.chain))
			return nil, fmt.Errorf("%w: %d context fetches starting from %s", ErrWalkLimit, limit, start)
		}

		tctx, err := w.Client.GetContext(ctx, cursor)
		res.hops++
		if err != nil {
			walkOutcomes.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("fetching toot context: %w", err)
		}

		if !atRoot {
			if len(tctx.Ancestors) > 0 {
				root := tctx.Ancestors[0]
				next, err := mastodon.ParsePostURL(root.URL)
				if err == nil {
					logger.Debug("walking to conversation root", "cursor", cursor, "root", next)
					res.root = &root
					cursor = next
					continue
				}
				// can't reach the root; treat the current post as one
				logger.Warn("conversation root has unusable URL", "url", root.URL, "err", err)
			}
			atRoot = true
		}

		batch := selfReplies(tctx.Descendants, author)
		logger.Debug("fetched thread context", "cursor", cursor, "descendants", len(tctx.Descendants), "batch", len(batch))
		if len(batch) == 0 {
			break
		}

		last := batch[len(batch)-1]
		next, err := mastodon.ParsePostURL(last.URL)
		if err == nil && next.SamePost(cursor) {
			// server echoed the cursor back as its own descendant; keep the replies before it
			res.chain = append(res.chain, batch[:len(batch)-1]...)
			break
		}
		res.chain = append(res.chain, batch...)
		if err != nil {
			// kept in the chain; projection skips it. There is nothing to continue from.
			logger.Warn("thread post has unusable URL, ending walk", "url", last.URL, "err", err)
			break
		}
		cursor = next
	}

	walkOutcomes.WithLabelValues("ok").Inc()
	walkHops.Observe(float64(res.hops))
	logger.Info("walked thread", "hops", res.hops, "chain", len(res.chain), "duration", time.Since(begin))
	return res, nil
}

// selfReplies keeps descendants written by author in reply to author, preserving order.
func selfReplies(descendants []mastodon.Post, author mastodon.Account) []mastodon.Post {
	var out []mastodon.Post
	for _, p := range descendants {
		if p.IsSelfReplyBy(author) {
			out = append(out, p)
		}
	}
	return out
}
