// Package slack forwards grievance notifications to Slack via incoming webhooks.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/grievd/internal/grievance"
)

const (
	maxHeaderLen  = 150
	maxFieldLen   = 2000
	maxCommentLen = 3000
	httpTimeout   = 10 * time.Second
)

var titles = map[string]string{
	grievance.TemplateSubmitted:         "Grievance submitted",
	grievance.TemplateAssigned:          "Grievance assigned",
	grievance.TemplateOfficerAssignment: "New assignment",
	grievance.TemplateStatusUpdated:     "Status updated",
	grievance.TemplateResolved:          "Grievance resolved",
}

// Notifier posts grievance notifications to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		now:        time.Now,
	}
}

// Notify posts n to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, note grievance.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(note, n.now())
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func buildMessage(note grievance.Notification, ts time.Time) *slack.WebhookMessage {
	blocks := []slack.Block{
		headerBlock(note),
		slack.NewDividerBlock(),
	}
	if fields := fieldsBlock(note); fields != nil {
		blocks = append(blocks, fields)
	}
	if c := note.Fields["comment"]; c != "" {
		blocks = append(blocks,
			slack.NewDividerBlock(),
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, "*Comment*\n\n"+truncate(c, maxCommentLen), false, false),
				nil, nil,
			),
		)
	}
	blocks = append(blocks, slack.NewDividerBlock(), contextBlock(note, ts))

	return &slack.WebhookMessage{
		Text:   fallbackText(note),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func headerBlock(note grievance.Notification) *slack.HeaderBlock {
	text := fmt.Sprintf("%s %s: %s", urgencyEmoji(note), title(note.Template), note.Fields["title"])
	return slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, truncate(strings.TrimSuffix(text, ": "), maxHeaderLen), true, false),
	)
}

// fieldsBlock renders every field except title and comment, sorted by key.
func fieldsBlock(note grievance.Notification) *slack.SectionBlock {
	keys := make([]string, 0, len(note.Fields))
	for k := range note.Fields {
		if k == "title" || k == "comment" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	slices.Sort(keys)

	// Slack allows at most 10 fields per section.
	if len(keys) > 10 {
		keys = keys[:10]
	}
	fields := make([]*slack.TextBlockObject, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*%s:* %s", label(k), truncate(note.Fields[k], maxFieldLen)), false, false))
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func contextBlock(note grievance.Notification, ts time.Time) *slack.ContextBlock {
	return slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("grievd • %s • to %s • %s", note.Template, note.Recipient, ts.UTC().Format("2006-01-02 15:04 UTC")),
			false, false),
	)
}

func fallbackText(note grievance.Notification) string {
	if id := note.Fields["grievance_id"]; id != "" {
		return fmt.Sprintf("%s: %s", title(note.Template), id)
	}
	return title(note.Template)
}

func title(template string) string {
	if t, ok := titles[template]; ok {
		return t
	}
	return template
}

// label turns a snake_case field key into "Snake case".
func label(key string) string {
	s := strings.ReplaceAll(key, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func urgencyEmoji(note grievance.Notification) string {
	if note.Template == grievance.TemplateResolved {
		return "✅" // check mark
	}
	switch note.Fields["urgency"] {
	case "critical":
		return "\U0001f534" // red circle
	case "high":
		return "\U0001f7e0" // orange circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
