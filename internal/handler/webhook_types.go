package handler

// WebhookRequest is one inbound chat message forwarded by the bot framework.
type WebhookRequest struct {
	BotID   string       `json:"bot_id"`
	UserID  string       `json:"user_id"`
	GroupID string       `json:"group_id,omitempty"`
	Text    string       `json:"text"`
	File    *WebhookFile `json:"file,omitempty"`
}

type WebhookFile struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64"`
}

// WebhookResponse is the synchronous reply. An empty response means the
// message was not addressed to this service.
type WebhookResponse struct {
	Text        string       `json:"text,omitempty"`
	ImageBase64 string       `json:"image_base64,omitempty"`
	File        *WebhookFile `json:"file,omitempty"`
}

func NewTextResponse(text string) *WebhookResponse {
	return &WebhookResponse{Text: text}
}
