package channel

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	listen   []string
	client   *slack.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string
}

type SlackConfig struct {
	BotToken       string
	AppToken       string
	ListenChannels []string // channel IDs to relay; empty = every channel the bot is in
	Logger         *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		listen:   cfg.ListenChannels,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and blocks until ctx is done.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID, "listen", s.listen)

	socketClient := socketmode.New(api)

	bus.OnOutbound(s.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := s.Send(ctx, msg.ChatID, msg.Content); err != nil {
			s.logger.Error("slack send failed", "channel", msg.ChatID, "err", err)
		}
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("slack connection error, retrying")
			default:
				// Unacknowledged requests make Socket Mode disconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	if s.client == nil {
		return fmt.Errorf("slack: not connected")
	}
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(chunk, false)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	msg, ok := s.inbound(ev)
	if !ok {
		return
	}
	s.logger.Info("slack message received", "id", msg.ID, "user", msg.SenderID, "channel", msg.ChatID, "content_len", len(msg.Content))
	s.bus.Publish(msg)
}

// inbound converts a Slack message event, dropping the bot's own posts,
// edits and other subtypes, and channels outside the listen list.
func (s *Slack) inbound(ev *slackevents.MessageEvent) (domain.InboundMessage, bool) {
	if ev.User == "" || ev.User == s.botUID || ev.BotID != "" || ev.SubType != "" {
		return domain.InboundMessage{}, false
	}
	if len(s.listen) > 0 && !slices.Contains(s.listen, ev.Channel) {
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   s.Name(),
		ChatID:    ev.Channel,
		SenderID:  ev.User,
		Content:   UnwrapSlackText(ev.Text),
		Timestamp: time.Now(),
	}, true
}

var slackLink = regexp.MustCompile(`<([A-Za-z][A-Za-z0-9+.\-]*:[^|>]+)(?:\|[^>]*)?>`)

var slackEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// UnwrapSlackText turns Slack link markup such as <https://x|label> into the
// bare URL and decodes Slack's HTML entities. User and channel mentions are
// kept as written.
func UnwrapSlackText(text string) string {
	return slackEntities.Replace(slackLink.ReplaceAllString(text, "$1"))
}
