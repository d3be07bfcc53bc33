package activity

import (
	"mime"
	"net/http"
	"strings"
)

// ActivityStreams media types accepted for server-to-server delivery.
const (
	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = "application/ld+json"
)

// AcceptedContentTypes is the set of media types the inbox admits.
var AcceptedContentTypes = map[string]struct{}{
	ContentTypeActivityJSON: {},
	ContentTypeLDJSON:       {},
}

// IsAcceptedContentType reports whether a Content-Type header value names an
// accepted media type. Parameters such as profile are ignored.
func IsAcceptedContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	_, ok := AcceptedContentTypes[strings.ToLower(mediaType)]
	return ok
}

// IsTolerableStatus reports whether an upstream status lets a batch continue
// and its message be acknowledged. Timeouts, rate limiting and server errors
// mean the upstream is struggling: the batch halts and the message is retried.
// Anything else, including definitive client errors, ends the delivery.
func IsTolerableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status < http.StatusInternalServerError
}

// IsPermanentRejection reports whether the upstream definitively refused the
// delivery: the status is tolerable, so it will not be retried, yet it is not
// a success.
func IsPermanentRejection(status int) bool {
	return IsTolerableStatus(status) && (status < 200 || status >= 300)
}
