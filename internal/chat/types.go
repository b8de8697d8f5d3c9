package chat

// Option is one selectable answer offered by a choice message. The backend
// expects the Value to be posted back, not the display Label.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Payload is the variant body of a message: "text" or "choice".
type Payload struct {
	Type    string   `json:"type"`
	Text    string   `json:"text"`
	Options []Option `json:"options,omitempty"`
}

// Message is one entry of the backend's message log. IDs are opaque and
// backend-assigned; the only total order available is the per-request list
// order (newest first).
type Message struct {
	ID             string  `json:"id"`
	CreatedAt      string  `json:"createdAt"`
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	Payload        Payload `json:"payload"`
}

// Delivery is a single assistant message handed to the orchestrator.
type Delivery struct {
	Text     string
	IsChoice bool
	Options  []Option
}
