package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// statePayload ties a callback to its server. The nonce makes the state
// value unguessable; the callback handler verifies it against the
// persisted pending authorization.
type statePayload struct {
	Server string `json:"server"`
	Nonce  string `json:"nonce"`
}

// EncodeState packs the server name and a fresh nonce into a URL-safe
// state parameter.
func EncodeState(serverName string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	payload := statePayload{
		Server: serverName,
		Nonce:  base64.RawURLEncoding.EncodeToString(nonce),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState recovers the server name from a state parameter.
func DecodeState(state string) (serverName string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("malformed state parameter: %w", err)
	}
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("malformed state payload: %w", err)
	}
	if payload.Server == "" {
		return "", fmt.Errorf("state payload has no server")
	}
	return payload.Server, nil
}
