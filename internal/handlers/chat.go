package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/pagechat/internal/models"
)

type errorResponse struct {
	Error              string `json:"error"`
	CredentialRequired bool   `json:"credentialRequired,omitempty"`
}

// HandleChats accepts a user message through the "message" form field and starts the assistant
// reply. The reply is streamed through the SSE endpoint; the response only carries the transcript
// entry of the user message.
//
// When no credential is configured the message is not added to the conversation and the handler
// answers 401 with credentialRequired set, so the panel can prompt for the API key.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg, err := m.conv.Send(r.Context(), r.FormValue("message"))
	switch {
	case errors.Is(err, models.ErrEmptyMessage):
		m.logger.Error("Message is required")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, models.ErrNotConfigured):
		m.logger.Warn("Message rejected, no credential configured")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), CredentialRequired: true})
		return
	case err != nil:
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, msg)
}

// HandleCredential sets the API key from the "apiKey" form field on POST and clears it on DELETE.
func (m *Main) HandleCredential(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		key := strings.TrimSpace(r.FormValue("apiKey"))
		if key == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "apiKey is required"})
			return
		}
		if err := m.credentials.SetAPIKey(r.Context(), key); err != nil {
			m.logger.Error("Failed to set API key", slog.String(errLoggerKey, err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to set API key, please try again"})
			return
		}
	case http.MethodDelete:
		if err := m.credentials.ClearAPIKey(r.Context()); err != nil {
			m.logger.Error("Failed to clear API key", slog.String(errLoggerKey, err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to clear API key"})
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTabs opens the page given in the "url" form field as a new active tab.
func (m *Main) HandleTabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.pages == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no page host configured"})
		return
	}

	url := strings.TrimSpace(r.FormValue("url"))
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	tab, err := m.pages.Open(r.Context(), url)
	if err != nil {
		m.logger.Error("Failed to open page", slog.String("url", url), slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, tab)
}

// HandleActivateTab makes the tab given in the "tab_id" form field the active one.
func (m *Main) HandleActivateTab(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.tabs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no tabs available"})
		return
	}

	tabID, err := strconv.Atoi(r.FormValue("tab_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tab_id must be a number"})
		return
	}
	if err := m.tabs.Activate(tabID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
