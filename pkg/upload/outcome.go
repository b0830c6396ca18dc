package upload

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of one upload attempt. Build it with Succeeded or
// Failed and the With* helpers; each helper returns a new value.
type Outcome struct {
	AttemptID string    `json:"attempt_id"`
	Kind      Kind      `json:"kind"`
	Tag       string    `json:"tag,omitempty"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Cause     error     `json:"-"`
	Time      time.Time `json:"time"`

	// Checksum is the xxhash64 (hex) of the bytes sent. Only set on success.
	Checksum string `json:"checksum,omitempty"`

	// ServerReplies is the FTP control channel transcript.
	ServerReplies []string `json:"server_replies,omitempty"`

	// HostKey and HostKeyFingerprint describe the key the server presented.
	// Only set when host identity verification rejected it.
	HostKey            []byte `json:"host_key,omitempty"`
	HostKeyFingerprint string `json:"host_key_fingerprint,omitempty"`
}

func newOutcome(kind Kind, success bool, message string, cause error) Outcome {
	return Outcome{
		AttemptID: uuid.NewString(),
		Kind:      kind,
		Success:   success,
		Message:   message,
		Cause:     cause,
		Time:      time.Now().UTC(),
	}
}

func Succeeded(kind Kind) Outcome {
	return newOutcome(kind, true, "", nil)
}

func Failed(kind Kind, message string, cause error) Outcome {
	return newOutcome(kind, false, message, cause)
}

func (o Outcome) WithServerReplies(lines []string) Outcome {
	o.ServerReplies = slices.Clone(lines)
	return o
}

func (o Outcome) WithChecksum(sum string) Outcome {
	o.Checksum = sum
	return o
}

func (o Outcome) WithHostKey(key []byte, fingerprint string) Outcome {
	o.HostKey = slices.Clone(key)
	o.HostKeyFingerprint = fingerprint
	return o
}

// ForTask stamps the queue-side identity of the attempt.
func (o Outcome) ForTask(tag string, attempt int) Outcome {
	o.Tag = tag
	o.Attempt = attempt
	return o
}

// HostKeyMismatch reports whether the attempt was stopped by host identity verification.
func (o Outcome) HostKeyMismatch() bool {
	return !o.Success && len(o.HostKey) > 0
}

// Clone returns a copy that shares no slices with o.
func (o Outcome) Clone() Outcome {
	o.ServerReplies = slices.Clone(o.ServerReplies)
	o.HostKey = slices.Clone(o.HostKey)
	return o
}

func (o Outcome) CauseText() string {
	if o.Cause == nil {
		return ""
	}
	return o.Cause.Error()
}

type outcomeJSON Outcome

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		outcomeJSON
		Cause string `json:"cause,omitempty"`
	}{
		outcomeJSON: outcomeJSON(o),
		Cause:       o.CauseText(),
	})
}
