package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes status and payload as an application/json response. A nil
// payload writes headers only. HTML escaping is off; payloads carry
// Instagram URLs with query strings.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
