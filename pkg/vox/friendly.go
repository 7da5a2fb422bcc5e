package vox

import (
	"errors"
	"strings"
)

const fallbackMaxLen = 120

// Friendly maps a low-level error to a short operator-facing sentence.
// Known signatures (credential, permission, quota, network, safety filter,
// empty response, malformed data) get fixed wording; anything unrecognized
// falls back to an ellipsis-truncated rendering of the raw message.
func Friendly(err error) string {
	if err == nil {
		return ""
	}

	var ve *Error
	if errors.As(err, &ve) {
		switch ve.Type {
		case ErrPrecondition:
			if strings.Contains(strings.ToLower(ve.Message), "key") {
				return "The API key is missing or invalid. Check your configuration."
			}
			return "A required setup step failed. " + sentence(ve.Message)
		case ErrPermission:
			return "Microphone access was denied. Grant permission and try again."
		case ErrQuota:
			return "The API quota or billing limit was reached. The session will not reconnect automatically."
		case ErrRateLimit:
			return "The service is rate-limiting requests. Please wait a moment."
		case ErrNetwork:
			return "A network problem interrupted the request. It may succeed if retried."
		case ErrSafety:
			return "The request was blocked by the safety filter. Try rephrasing."
		case ErrEmpty:
			return "The model returned an empty response. Try again."
		case ErrMalformed:
			return "The model returned data in an unexpected format."
		}
	}

	var te *TransportError
	if errors.As(err, &te) {
		return "A network problem interrupted the request. It may succeed if retried."
	}

	msg := strings.TrimSpace(err.Error())
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key") || strings.Contains(lower, "api_key_invalid") || strings.Contains(lower, "unauthenticated"):
		return "The API key is missing or invalid. Check your configuration."
	case strings.Contains(lower, "permission"):
		return "Microphone access was denied. Grant permission and try again."
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing") || strings.Contains(lower, "resource_exhausted"):
		return "The API quota or billing limit was reached. The session will not reconnect automatically."
	case strings.Contains(lower, "safety"):
		return "The request was blocked by the safety filter. Try rephrasing."
	case strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return "A network problem interrupted the request. It may succeed if retried."
	}

	if len(msg) > fallbackMaxLen {
		return "Something went wrong: " + msg[:fallbackMaxLen] + "…"
	}
	return "Something went wrong: " + msg
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
