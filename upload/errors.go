package upload

import (
	"errors"
	"strings"
)

// ErrorClass represents whether an upload error should be retried or not.
type ErrorClass int

const (
	// ErrorClassTransient indicates the upload should be retried with backoff.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassPermanent indicates the record should be failed terminally.
	ErrorClassPermanent
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// statusCoder is implemented by host client errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// ClassifyUploadError classifies image host errors into transient vs permanent.
//
// Permanent (terminal, not retried):
//   - client errors other than rate limiting (400, 401, 403, 404, 413, ...)
//   - corrupt/oversized/unsupported file responses
//   - missing source file on disk
//
// Transient (retried with backoff up to the attempt ceiling):
//   - rate limiting (429)
//   - server errors (5xx)
//   - network failures (reset, timeout, DNS, broken pipe)
//   - anything unrecognized, to avoid giving up too early
func ClassifyUploadError(err error) ErrorClass {
	if err == nil {
		return ErrorClassTransient
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		switch {
		case code == 429:
			return ErrorClassTransient
		case code >= 500:
			return ErrorClassTransient
		case code >= 400:
			return ErrorClassPermanent
		}
	}

	lower := strings.ToLower(err.Error())

	permanentPatterns := []string{
		"file type invalid",
		"unsupported image",
		"image is larger",
		"file is over the size limit",
		"corrupt",
		"no such file",
		"is a directory",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassPermanent
		}
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"dns",
		"eof",
		"broken pipe",
		"rate limit",
		"too many requests",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassTransient
		}
	}

	// Unknown errors are treated as transient so a flaky host doesn't
	// terminally fail records.
	return ErrorClassTransient
}

// IsPermanentError reports whether an error should terminally fail the record.
func IsPermanentError(err error) bool {
	return ClassifyUploadError(err) == ErrorClassPermanent
}
