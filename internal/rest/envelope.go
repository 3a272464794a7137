package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"domestique/pkg/domestique"
)

// maxResponseBytes bounds how much of one response body is decoded.
const maxResponseBytes = 8 << 20

// statusPolicy decides how a non-2xx response is treated.
type statusPolicy int

const (
	// statusStrict fails every non-2xx response with a TransportError.
	statusStrict statusPolicy = iota
	// statusLenient decodes non-2xx JSON bodies so server messages surface as ProtocolError.
	statusLenient
)

// decodeEnvelope maps one HTTP response onto the envelope error taxonomy.
func decodeEnvelope[T any](resp *http.Response, operation string, policy statusPolicy) (T, error) {
	var zero T
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && (policy == statusStrict || !isJSON(resp.Header.Get("Content-Type"))) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return zero, &domestique.TransportError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
		}
	}

	var envelope domestique.Envelope[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&envelope); err != nil {
		return zero, &domestique.TransportError{
			Operation:  operation,
			StatusCode: statusIfFailed(resp.StatusCode),
			Cause:      fmt.Errorf("decode response envelope: %w", err),
		}
	}
	if envelope.Error != 0 {
		return zero, &domestique.ProtocolError{
			Operation: operation,
			Code:      envelope.Error,
			Message:   envelope.Message,
		}
	}
	if !ok {
		// A lenient route answered non-2xx with a success envelope; trust the status.
		return zero, &domestique.TransportError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
		}
	}

	return envelope.Payload, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

func statusIfFailed(code int) int {
	if code >= 200 && code < 300 {
		return 0
	}

	return code
}
