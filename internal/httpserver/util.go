package httpserver

import (
	"encoding/json"
	"io"
	"strings"
	"time"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeJSONLoose decodes without rejecting unknown fields. Webhook
// payloads carry gateway fields we do not model.
func decodeJSONLoose(r io.ReadCloser, dest any) error {
	defer r.Close()
	return json.NewDecoder(r).Decode(dest)
}

// normalizeUsername strips the @ prefix and lowercases the handle so
// cache keys and profile rows stay consistent.
func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(username), "@")))
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
