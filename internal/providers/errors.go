package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrMissingAPIKey    = errors.New("missing API key")
	ErrTimeout          = errors.New("request timed out")
	ErrEmptyResponse    = errors.New("provider returned no content")
)

type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("model %s not supported", e.Model)
}

func (e *UnsupportedModelError) Is(target error) bool { return target == ErrUnsupportedModel }

// MissingKeyError is raised before any request when the family's credential is empty.
type MissingKeyError struct {
	Provider string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s API key not set", e.Provider)
}

func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingAPIKey }

type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s request failed with status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.StatusCode, body)
}

// IsConfigError reports errors detected before any network call.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrUnsupportedModel)
}

// Describe renders err for the transcript.
func Describe(err error) string {
	var (
		httpErr *HTTPError
		keyErr  *MissingKeyError
		modErr  *UnsupportedModelError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &keyErr):
		return keyErr.Error()
	case errors.As(err, &modErr):
		return modErr.Error()
	case errors.Is(err, ErrTimeout):
		return "Request timed out"
	case errors.As(err, &httpErr):
		body := strings.TrimSpace(httpErr.Body)
		if utf8.RuneCountInString(body) > 500 {
			body = string([]rune(body)[:500]) + "..."
		}
		return fmt.Sprintf("API Error: %d - %s", httpErr.StatusCode, body)
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	default:
		return err.Error()
	}
}
