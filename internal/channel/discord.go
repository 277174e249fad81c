package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"relaybot/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string // restricts relaying and slash commands to one guild
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with the bot token and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := d.Send(ctx, msg.ChatID, msg.Content); err != nil {
			d.logger.Error("discord send failed", "channel", msg.ChatID, "err", err)
		}
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		d.publish(m.ChannelID, m.Author.ID, m.Content)
	})

	// /summarize <url> is relayed as the bare URL so it takes the same path
	// as a pasted link.
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		if data.Name != "summarize" || len(data.Options) == 0 {
			return
		}
		link := data.Options[0].StringValue()

		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Summarizing " + link},
		}); err != nil {
			d.logger.Warn("discord interaction ack failed", "err", err)
		}

		sender := ""
		switch {
		case i.Member != nil && i.Member.User != nil:
			sender = i.Member.User.ID
		case i.User != nil:
			sender = i.User.ID
		}
		d.publish(i.ChannelID, sender, link)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(_ context.Context, chatID string, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *Discord) publish(channelID, senderID, content string) {
	msg := domain.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   d.Name(),
		ChatID:    channelID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now(),
	}
	d.logger.Info("discord message received", "id", msg.ID, "author", senderID, "channel_id", channelID, "content_len", len(content))
	d.bus.Publish(msg)
}

func (d *Discord) registerSlashCommands() {
	cmd := &discordgo.ApplicationCommand{
		Name:        "summarize",
		Description: "Summarize a web page",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "url",
				Description: "Page to summarize",
				Required:    true,
			},
		},
	}
	// An empty guildID registers a global command.
	if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}
