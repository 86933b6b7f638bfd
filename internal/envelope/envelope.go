// Package envelope builds the canonical text wrapping TaskCoordinator sends
// to the agent: an optional system notice, an optional recent-history
// prefix, an optional quoted-message block, a sender label, and a
// mention-targets hint, composed in a fixed order: system notice, then
// history, then quote, then sender label, then mention hint, then the
// message body.
package envelope

import (
	"fmt"
	"strings"
)

// Builder accumulates envelope sections before rendering the final text.
type Builder struct {
	systemNotice string
	history      string
	quote        string
	senderLabel  string
	mentionHint  string
	body         string
}

// New starts a Builder around the raw message body.
func New(body string) *Builder {
	return &Builder{body: body}
}

// WithSystemNotice attaches a system-observable message surfaced to the
// agent — currently used for permission-error grant-URL notices — so the
// user sees it without the agent having to infer it from a failure.
func (b *Builder) WithSystemNotice(notice string) *Builder {
	if strings.TrimSpace(notice) != "" {
		b.systemNotice = notice
	}
	return b
}

// WithHistory prepends recent gated-out group messages as context, so a
// task created by a mention can see what led up to it.
func (b *Builder) WithHistory(lines []string) *Builder {
	if len(lines) > 0 {
		b.history = strings.Join(lines, "\n")
	}
	return b
}

// WithQuote prepends quoted-message text fetched via Provider.FetchMessage.
func (b *Builder) WithQuote(quotedText string) *Builder {
	if strings.TrimSpace(quotedText) != "" {
		b.quote = quotedText
	}
	return b
}

// WithSenderLabel attaches a human-readable sender identity.
func (b *Builder) WithSenderLabel(label string) *Builder {
	if strings.TrimSpace(label) != "" {
		b.senderLabel = label
	}
	return b
}

// WithMentionHint attaches a hint listing other users @-mentioned in the
// message, so the agent knows who else is being addressed.
func (b *Builder) WithMentionHint(mentions []string) *Builder {
	if len(mentions) > 0 {
		b.mentionHint = fmt.Sprintf("[mentions: %s]", strings.Join(mentions, ", "))
	}
	return b
}

// Build renders the composed envelope text.
func (b *Builder) Build() string {
	var parts []string
	if b.systemNotice != "" {
		parts = append(parts, fmt.Sprintf("[system]\n%s\n[/system]", b.systemNotice))
	}
	if b.history != "" {
		parts = append(parts, fmt.Sprintf("[recent]\n%s\n[/recent]", b.history))
	}
	if b.quote != "" {
		parts = append(parts, fmt.Sprintf("[quoted]\n%s\n[/quoted]", b.quote))
	}
	if b.senderLabel != "" {
		parts = append(parts, fmt.Sprintf("[from: %s]", b.senderLabel))
	}
	if b.mentionHint != "" {
		parts = append(parts, b.mentionHint)
	}
	parts = append(parts, b.body)
	return strings.Join(parts, "\n")
}
