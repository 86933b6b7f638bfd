package shared

import (
	"regexp"
	"strings"
)

// ErrorClass categorizes provider errors for the error-handling taxonomy:
// transient I/O, policy/permission, or unknown.
type ErrorClass string

const (
	// ErrorClassTransient is a provider/transport failure expected to be
	// retried by the caller, not surfaced to the agent directly.
	ErrorClassTransient ErrorClass = "TRANSIENT"

	// ErrorClassPermission is the provider's code 99991672 permission
	// denial: the bot lacks a scope and a grant URL is offered.
	ErrorClassPermission ErrorClass = "PERMISSION"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

const permissionErrorCode = "99991672"

var grantURLPattern = regexp.MustCompile(`https?://\S+`)

// ClassifyProviderError categorizes a provider error into the taxonomy
// above. It inspects the error message for known patterns, following the same
// substring-matching approach used to classify agent-runtime errors.
func ClassifyProviderError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, permissionErrorCode) || strings.Contains(msg, "permission denied") {
		return ErrorClassPermission
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") {
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}

// ExtractGrantURL pulls the grant URL a permission-error message carries,
// if any.
func ExtractGrantURL(err error) string {
	if err == nil {
		return ""
	}
	return grantURLPattern.FindString(err.Error())
}
