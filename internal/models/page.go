package models

// PageContent is a snapshot of the readable text of a page, captured by a content script on request.
// Timestamp is the capture time in epoch milliseconds.
type PageContent struct {
	TextContent string `json:"textContent"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Timestamp   int64  `json:"timestamp"`
}
