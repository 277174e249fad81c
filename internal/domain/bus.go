package domain

// MessageBus routes messages between channels and the dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}

// Outbound is the posting half of the bus. Components that only reply take this.
type Outbound interface {
	SendOutbound(msg OutboundMessage)
}
