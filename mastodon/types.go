package mastodon

// Subset of the Mastodon Account entity. The profile URL is the author identity used for thread
// filtering.
type Account struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Subset of the Mastodon MediaAttachment entity.
type Media struct {
	// "image", "video", "gifv", "audio", or "unknown"
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	Description *string `json:"description,omitempty"`
}

// Subset of the Mastodon Status entity. Content is server-rendered HTML.
type Post struct {
	Account            Account `json:"account"`
	URL                string  `json:"url"`
	InReplyToAccountID *string `json:"in_reply_to_account_id"`
	Content            string  `json:"content"`
	Media              []Media `json:"media_attachments"`
}

// IsSelfReplyBy reports whether p was written by author as a reply to author.
func (p *Post) IsSelfReplyBy(author Account) bool {
	return p.Account.URL == author.URL && p.InReplyToAccountID != nil && *p.InReplyToAccountID == author.ID
}

// Response of the statuses/:id/context endpoint. Both lists are oldest-first.
type Context struct {
	Ancestors   []Post `json:"ancestors"`
	Descendants []Post `json:"descendants"`
}
