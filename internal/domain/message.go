package domain

import "time"

// InboundMessage is one text event delivered by a channel. It is never
// modified after Publish.
type InboundMessage struct {
	ID        string // correlation id, assigned by the channel adapter
	Channel   string // transport name: slack | telegram | discord | cli
	ChatID    string // source channel/conversation id
	SenderID  string
	Content   string
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
