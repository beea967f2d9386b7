package models

import "errors"

// The error messages below are shown to the user as they are, prefixed with "Error: " when they end
// up in the transcript.
var (
	// ErrNotConfigured is returned when no credential has been set.
	ErrNotConfigured = errors.New("OpenAI client not initialized, please set your API key first")
	// ErrInvalidCredential is returned when the endpoint rejects the credential.
	ErrInvalidCredential = errors.New("invalid API key, please check your OpenAI API key")
	// ErrRateLimited is returned when the endpoint signals a rate limit.
	ErrRateLimited = errors.New("rate limit exceeded, please try again later")
	// ErrQuotaExceeded is returned when the account has run out of quota.
	ErrQuotaExceeded = errors.New("API quota exceeded, please check your OpenAI account")
	// ErrRequestFailed is returned for every other transport failure.
	ErrRequestFailed = errors.New("failed to get response from OpenAI, please try again")
	// ErrContentUnavailable is returned when a message references the page but no content could be
	// retrieved from the active tab.
	ErrContentUnavailable = errors.New("page content unavailable, make sure you have an active tab open")
	// ErrEmptyMessage is returned when the user input is blank.
	ErrEmptyMessage = errors.New("message is required")
)
