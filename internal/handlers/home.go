package handlers

import (
	"net/http"

	"github.com/MegaGrindStone/pagechat/internal/models"
)

type messagesData struct {
	Messages  []models.Message `json:"messages"`
	Streaming string           `json:"streaming"`
	Typing    bool             `json:"typing"`
}

// HandleMessages returns the transcript together with the text of the reply being streamed, so a
// panel opened mid-stream can catch up before following the SSE endpoint.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streaming, typing := m.conv.Streaming()
	writeJSON(w, http.StatusOK, messagesData{
		Messages:  m.conv.Messages(),
		Streaming: streaming,
		Typing:    typing,
	})
}
