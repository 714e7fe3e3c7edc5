package queue

import "encoding/json"

// PayloadAs converts a queue payload into T. Payloads enqueued in-process
// arrive as the typed struct and are returned directly; payloads enqueued
// over HTTP arrive as decoded JSON maps and take a marshal round-trip.
func PayloadAs[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	if p, ok := payload.(*T); ok && p != nil {
		return *p, nil
	}
	var out T
	b, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
