package telegram

import (
	"fmt"
	"time"
)

// ServiceKind discriminates service message actions.
type ServiceKind string

// Service action kinds.
const (
	ServiceUserJoined    ServiceKind = "user_joined"
	ServiceUserLeft      ServiceKind = "user_left"
	ServiceTitleChanged  ServiceKind = "title_changed"
	ServiceCallStarted   ServiceKind = "call_started"
	ServiceCallEnded     ServiceKind = "call_ended"
	ServiceChatCreated   ServiceKind = "chat_created"
	ServiceChannelCreate ServiceKind = "channel_created"
)

// ServiceAction describes a non-content event in a conversation, such as
// a member joining or a title change.
type ServiceAction struct {
	Kind     ServiceKind
	Actor    string
	Title    string
	Duration time.Duration
}

// Text renders the action as the human-readable string stored in the
// message row in place of body text.
func (a *ServiceAction) Text() string {
	switch a.Kind {
	case ServiceUserJoined:
		return fmt.Sprintf("[%s joined the group]", a.Actor)
	case ServiceUserLeft:
		return fmt.Sprintf("[%s left the group]", a.Actor)
	case ServiceTitleChanged:
		return fmt.Sprintf("[%s changed the title to %q]", a.Actor, a.Title)
	case ServiceCallStarted:
		return "[call started]"
	case ServiceCallEnded:
		if a.Duration > 0 {
			return fmt.Sprintf("[call ended, duration %s]", a.Duration.Round(time.Second))
		}

		return "[call ended]"
	case ServiceChatCreated:
		return fmt.Sprintf("[%s created the group %q]", a.Actor, a.Title)
	case ServiceChannelCreate:
		return fmt.Sprintf("[channel %q created]", a.Title)
	default:
		return fmt.Sprintf("[%s]", a.Kind)
	}
}
