// Package conversation posts signal and engagement messages into case conversations.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// SlackSink posts into Slack channels and threads
type SlackSink struct {
	client         *slack.Client
	defaultChannel string
	logger         ectologger.Logger
	now            func() time.Time
}

func NewSlackSink(client *slack.Client, defaultChannel string, logger ectologger.Logger) *SlackSink {
	return &SlackSink{
		client:         client,
		defaultChannel: defaultChannel,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *SlackSink) channel(channel string) (string, error) {
	if channel != "" {
		return channel, nil
	}
	if s.defaultChannel != "" {
		return s.defaultChannel, nil
	}
	return "", fmt.Errorf("no conversation channel configured")
}

// CreateEngagementThreaded posts the engagement prompt for user into the case thread
// and returns the timestamp of the posted message
func (s *SlackSink) CreateEngagementThreaded(ctx context.Context, c *models.Case, channel, user string, engagement models.SignalEngagement, status models.EngagementStatus) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "conversation.SlackSink.CreateEngagementThreaded")
	defer span.End()

	channel, err := s.channel(channel)
	if err != nil {
		return "", err
	}

	text := engagement.Render(models.EngagementMessageData{User: user, CaseTitle: c.Title})
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", engagement.Name, text), false, false), nil, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("Engaged user: %s | Status: %s", user, status), false, false),
		),
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	}
	if c.ConversationThreadID != nil && *c.ConversationThreadID != "" {
		options = append(options, slack.MsgOptionTS(*c.ConversationThreadID))
	}

	_, ts, err := s.client.PostMessageContext(ctx, channel, options...)
	if err != nil {
		return "", fmt.Errorf("failed to post engagement to %s: %w", channel, err)
	}

	return ts, nil
}

// UpdateSignalMessage refreshes the case's signal message after more instances were
// deduplicated into it. Repeating the update leaves the same message.
func (s *SlackSink) UpdateSignalMessage(ctx context.Context, caseID uuid.UUID, channel, threadID string) error {
	ctx, span := tracing.StartSpan(ctx, "conversation.SlackSink.UpdateSignalMessage")
	defer span.End()

	channel, err := s.channel(channel)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Additional signal instances were deduplicated into case %s. Last seen %s.",
		caseID, s.now().UTC().Format(time.RFC3339))
	if _, _, _, err := s.client.UpdateMessageContext(ctx, channel, threadID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("failed to update signal message for case %s: %w", caseID, err)
	}

	return nil
}

// PostThreadMessage posts text as a reply in the thread, or to the channel when threadID is empty
func (s *SlackSink) PostThreadMessage(ctx context.Context, channel, threadID, text string) error {
	ctx, span := tracing.StartSpan(ctx, "conversation.SlackSink.PostThreadMessage")
	defer span.End()

	channel, err := s.channel(channel)
	if err != nil {
		return err
	}

	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		options = append(options, slack.MsgOptionTS(threadID))
	}

	if _, _, err := s.client.PostMessageContext(ctx, channel, options...); err != nil {
		return fmt.Errorf("failed to post to %s: %w", channel, err)
	}

	return nil
}

// PostPrivateMessage shows text only to the Slack user with the given email, in the
// thread when threadID is set. Links in it are not unfurled.
func (s *SlackSink) PostPrivateMessage(ctx context.Context, channel, threadID, email, text string) error {
	ctx, span := tracing.StartSpan(ctx, "conversation.SlackSink.PostPrivateMessage")
	defer span.End()

	channel, err := s.channel(channel)
	if err != nil {
		return err
	}

	user, err := s.client.GetUserByEmailContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up slack user %s: %w", email, err)
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
		slack.MsgOptionDisableMediaUnfurl(),
	}
	if threadID != "" {
		options = append(options, slack.MsgOptionTS(threadID))
	}

	if _, err := s.client.PostEphemeralContext(ctx, channel, user.ID, options...); err != nil {
		return fmt.Errorf("failed to post private message to %s in %s: %w", email, channel, err)
	}

	return nil
}
