package model

// Target addresses a chat user or group through a bot instance.
type Target struct {
	Type  TargetType
	ID    string
	BotID string
}

// OutboundMessage is pushed through the message sink.
type OutboundMessage struct {
	Text  string
	Image []byte
}

// Caller identifies the chat user a command came from. GroupID is empty for
// direct messages.
type Caller struct {
	UserID  string
	BotID   string
	GroupID string
}

// ReplyTarget addresses the chat the command was sent in.
func (c Caller) ReplyTarget() Target {
	if c.GroupID != "" {
		return Target{Type: TargetGroup, ID: c.GroupID, BotID: c.BotID}
	}
	return Target{Type: TargetDirect, ID: c.UserID, BotID: c.BotID}
}
