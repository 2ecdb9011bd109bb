package thread

import (
	"fmt"
	"strings"

	"github.com/mastothread/mastothread/mastodon"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// EmbedDescriptor holds what a page needs to show the server's own embeddable view of a post: an
// iframe source and the script which resizes it.
type EmbedDescriptor struct {
	EmbedURL string
	EmbedJS  string
}

// Embed derives the embed URLs from the post URL. No network request is made.
func Embed(post *mastodon.Post) (*EmbedDescriptor, error) {
	u, err := mastodon.ParsePostURL(post.URL)
	if err != nil {
		return nil, err
	}
	embedURL, err := u.AppendPath("/embed")
	if err != nil {
		return nil, err
	}
	embedJS, err := u.APIPath("/embed.js")
	if err != nil {
		return nil, err
	}
	return &EmbedDescriptor{
		EmbedURL: embedURL.String(),
		EmbedJS:  embedJS.String(),
	}, nil
}

// EmbedAll projects posts to embed descriptors, skipping posts whose URL can't be parsed.
func EmbedAll(posts []mastodon.Post) []EmbedDescriptor {
	out := make([]EmbedDescriptor, 0, len(posts))
	for i := range posts {
		e, err := Embed(&posts[i])
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out
}

const missingAltText = "No alt text"

// MediaMarkdown renders image attachments as Markdown images, one per line, in attachment order.
// Other media types are left out.
func MediaMarkdown(media []mastodon.Media) string {
	var lines []string
	for _, m := range media {
		if m.Type != "image" {
			continue
		}
		alt := missingAltText
		if m.Description != nil {
			alt = *m.Description
		}
		lines = append(lines, fmt.Sprintf("![%s](%s)", alt, m.URL))
	}
	return strings.Join(lines, "\n")
}

// Markdown converts the post body from HTML to Markdown and appends its images.
func Markdown(post *mastodon.Post) (string, error) {
	content, err := htmltomarkdown.ConvertString(post.Content)
	if err != nil {
		return "", fmt.Errorf("converting post %s to markdown: %w", post.URL, err)
	}
	return content + "\n" + MediaMarkdown(post.Media), nil
}

// MarkdownDocument renders the root and then each chain post, separated by blank lines.
func MarkdownDocument(th *Thread) (string, error) {
	posts := th.All()
	parts := make([]string, 0, len(posts))
	for i := range posts {
		md, err := Markdown(&posts[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimRight(md, "\n"))
	}
	return strings.Join(parts, "\n\n") + "\n", nil
}
