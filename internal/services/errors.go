package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/pagechat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

const errLoggerKey = "err"

// classifyError maps a transport error to the models error taxonomy. The status code and error code
// of the API error are checked first; the error text is the fallback signal.
func classifyError(err error) error {
	status := 0
	code := ""

	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		if code == "" {
			code = apiErr.Type
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	text := err.Error()
	switch {
	case status == http.StatusUnauthorized || strings.Contains(text, "401"):
		return models.ErrInvalidCredential
	// OpenAI reports an exhausted quota with a 429 too, so the quota check goes first.
	case strings.Contains(code, "quota") || strings.Contains(text, "quota"):
		return models.ErrQuotaExceeded
	case status == http.StatusTooManyRequests || strings.Contains(text, "429"):
		return models.ErrRateLimited
	default:
		return models.ErrRequestFailed
	}
}
