// Package idempotency derives the deterministic identifiers that make
// fan-out safe to repeat.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/trogers1052/signal-fanout/internal/models"
)

// ContentHash digests what an alert says, leaving out when it was sent or
// received.
func ContentHash(s *models.Signal) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(s.Symbol))
	b.WriteByte('|')
	b.WriteString(string(s.Action))
	b.WriteByte('|')
	if s.Price.Valid {
		b.WriteString(s.Price.Decimal.String())
	}
	b.WriteByte('|')
	b.WriteString(s.Strategy)
	b.WriteByte('|')
	b.Write(canonicalJSON(s.Payload))
	return digest(b.String())
}

// Fingerprint identifies the underlying alert behind a signal row, so that a
// redelivered webhook maps to the same value. alertTime is the timestamp the
// source put in the alert. Without one the received time stands in, and the
// signal store reuses the fingerprint of a recent signal with the same
// content hash.
func Fingerprint(contentHash, alertTime string, receivedAt time.Time) string {
	if alertTime = strings.TrimSpace(alertTime); alertTime != "" {
		return digest(contentHash + "|t:" + alertTime)
	}
	return digest(contentHash + "|r:" + strconv.FormatInt(receivedAt.UTC().UnixNano(), 10))
}

// Key is the order idempotency key for one (signal, user) pair
func Key(fingerprint, userID string) string {
	return digest(fingerprint + ":" + userID)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes raw with sorted object keys. Invalid JSON is
// used as-is.
func canonicalJSON(raw []byte) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
