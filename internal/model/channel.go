package model

import "strings"

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Channels lists every delivery channel in batching/dispatch order.
var Channels = []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS}

func (c Channel) String() string { return string(c) }

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS:
		return true
	default:
		return false
	}
}

// ParseChannel normalizes input. Returns (value, true) if valid;
// otherwise (in_app, false).
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c, true
	}
	return ChannelInApp, false
}
