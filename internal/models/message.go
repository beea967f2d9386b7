package models

// EventType names a conversation state change published to the panel.
type EventType string

const (
	// EventMessage is published when an entry is appended to the transcript.
	EventMessage EventType = "message"
	// EventStream carries the text accumulated so far by the live stream session.
	EventStream EventType = "stream"
	// EventTyping toggles the streaming-in-progress indicator.
	EventTyping EventType = "typing"
	// EventLoadingPage toggles the page content loading indicator.
	EventLoadingPage EventType = "loading_page"
)

// Event is a single conversation state change. Message is set for EventMessage, Text and SessionID
// for EventStream, and Active for the indicator events.
type Event struct {
	Type      EventType `json:"type"`
	Message   *Message  `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Text      string    `json:"text,omitempty"`
	Active    bool      `json:"active"`
}
