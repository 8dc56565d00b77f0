// Package slack adapts Slack to the channel capability interface. Inbound
// events arrive over Socket Mode, so no public webhook endpoint is needed;
// reply linkage uses thread_ts, which doubles as Slack's message id.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

type Channel struct {
	api    *slack.Client
	socket *socketmode.Client
	led    *ledger.Ledger
	botID  string
}

func New(botToken, appToken string, led *ledger.Ledger) (*Channel, error) {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))

	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	return &Channel{
		api:    api,
		socket: socketmode.New(api),
		led:    led,
		botID:  auth.UserID,
	}, nil
}

func (c *Channel) Name() string { return ledger.ChannelSlack }

// SendMessage posts to the channel and returns the message timestamp, which
// is Slack's native message id.
func (c *Channel) SendMessage(chatID, text string) (string, error) {
	_, ts, err := c.api.PostMessage(chatID, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack: post: %w", err)
	}
	return ts, nil
}

// SendFiles uploads each path to the channel, with text as the first comment.
func (c *Channel) SendFiles(chatID, text string, filePaths []string) error {
	for i, path := range filePaths {
		comment := ""
		if i == 0 {
			comment = text
		}
		_, err := c.api.UploadFileV2(slack.UploadFileV2Parameters{
			Channel:        chatID,
			File:           path,
			Filename:       path,
			InitialComment: comment,
		})
		if err != nil {
			return fmt.Errorf("slack: upload %s: %w", path, err)
		}
	}
	return nil
}

// Listen runs the Socket Mode loop until ctx is done, appending message
// events to the ledger. The bot's own messages are skipped; they are already
// recorded on the send path.
func (c *Channel) Listen(ctx context.Context) error {
	go func() {
		for evt := range c.socket.Events {
			switch evt.Type {
			case socketmode.EventTypeConnected:
				logger.InfoC("slack", "socket mode connected")
			case socketmode.EventTypeEventsAPI:
				payload, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*evt.Request)
				c.handleEvent(payload)
			}
		}
	}()
	return c.socket.RunContext(ctx)
}

func (c *Channel) handleEvent(payload slackevents.EventsAPIEvent) {
	if payload.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == "" || ev.User == c.botID || ev.BotID != "" {
		return
	}

	msg := ledger.Message{
		MessageID: "slack_" + ev.TimeStamp,
		Channel:   ledger.ChannelSlack,
		ChatID:    ev.Channel,
		Type:      "user",
		Text:      ev.Text,
		Timestamp: state.Now(),
		UserName:  ev.User,
	}
	// A threaded message references the thread root, which is the ts of the
	// message the user replied to.
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		msg.ReplyToMessageID = ev.ThreadTimeStamp
	}
	for _, f := range ev.Files {
		msg.Files = append(msg.Files, ledger.FileRef{
			Path: f.URLPrivate,
			Name: f.Name,
			Size: int64(f.Size),
			Type: f.Filetype,
		})
	}

	if _, err := c.led.Append(msg); err != nil {
		logger.WarnCF("slack", "append failed", map[string]interface{}{
			"message_id": msg.MessageID, "error": err.Error(),
		})
	}
}
