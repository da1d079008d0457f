package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
)

const sealedPrefix = "sealed:"

// SecretParams are parameter keys encrypted before a job is persisted.
var SecretParams = []string{"admin_password", "db_password"}

func (s *Service) sealParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(params))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: parameters must be a JSON object", ErrInvalidRequest)
	}
	if s.sealer == nil {
		return json.RawMessage(trimmed), nil
	}
	for _, key := range SecretParams {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var plain string
		if err := json.Unmarshal(raw, &plain); err != nil {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, key)
		}
		sealed, err := s.sealer.SealString(plain)
		if err != nil {
			return nil, fmt.Errorf("jobs: seal %s: %w", key, err)
		}
		fields[key], _ = json.Marshal(sealedPrefix + sealed)
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenParams returns params with sealed secrets decrypted, ready for a handler.
func (s *Service) OpenParams(params json.RawMessage) (json.RawMessage, error) {
	if s.sealer == nil || len(params) == 0 {
		return params, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		// Not an object; the handler reports the shape mismatch.
		return params, nil
	}
	changed := false
	for _, key := range SecretParams {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || !strings.HasPrefix(value, sealedPrefix) {
			continue
		}
		plain, err := s.sealer.OpenString(strings.TrimPrefix(value, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("jobs: open %s: %w", key, err)
		}
		fields[key], _ = json.Marshal(plain)
		changed = true
	}
	if !changed {
		return params, nil
	}
	return json.Marshal(fields)
}
