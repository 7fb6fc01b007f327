package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The API has shipped three response envelope shapes over time:
// {"status": ..., "data": ...}, {"data": ...}, and the raw payload. The
// pipeline tolerates all three. When a status key is present it is
// authoritative: any value other than "success" on a 2xx response is a
// server-side rejection.

// unwrapEnvelope extracts the caller-visible payload from a 2xx body.
func unwrapEnvelope(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' {
		// Raw non-object payload (array, string, number).
		return json.RawMessage(trimmed), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, wrapError(KindMalformedResponse, "response body is not valid JSON", err)
	}

	if statusRaw, ok := fields["status"]; ok {
		var status string
		if err := json.Unmarshal(statusRaw, &status); err != nil {
			return nil, wrapError(KindMalformedResponse, "response status is not a string", err)
		}
		if status != "success" {
			return nil, newError(KindServerRejected, envelopeMessage(fields, fmt.Sprintf("server reported status %q", status)))
		}
		if data, ok := fields["data"]; ok {
			return data, nil
		}
		// A bare {"status":"success"} acknowledges with no payload.
		return nil, nil
	}

	// {"data": ...} with no siblings is an envelope; anything else is the
	// payload itself (it may legitimately contain a "data" member).
	if data, ok := fields["data"]; ok && len(fields) == 1 {
		return data, nil
	}
	return json.RawMessage(trimmed), nil
}

// envelopeMessage pulls the server-supplied message out of an error envelope.
func envelopeMessage(fields map[string]json.RawMessage, fallback string) string {
	for _, key := range []string{"message", "error"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
			return msg
		}
	}
	return fallback
}

// serverRejectedError normalizes a non-2xx response.
func serverRejectedError(statusCode int, body []byte) *Error {
	message := fmt.Sprintf("request failed with HTTP %d", statusCode)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &fields); err == nil {
		message = envelopeMessage(fields, message)
	} else if text := string(bytes.TrimSpace(body)); text != "" && len(text) <= 512 {
		message = text
	}
	return &Error{Kind: KindServerRejected, Message: message, StatusCode: statusCode}
}
