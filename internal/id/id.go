// Package id generates prefixed identifiers for persisted records and tokens.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	PrefixSubscriber = "sub"
	PrefixToken      = "tok"
	PrefixStream     = "sse"
)

// alphabet omits '-' and '_' so IDs survive double-click selection and
// Telegram's entity parsing.
const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	length   = 16
)

// Generate returns prefix + "_" + a random alphanumeric suffix,
// e.g. "sub_V1StGXR8Z5jdHi6B".
func Generate(prefix string) (string, error) {
	suffix, err := gonanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return prefix + "_" + suffix, nil
}

// Subscriber returns a new subscriber ID.
func Subscriber() (string, error) { return Generate(PrefixSubscriber) }

// Token returns a new access token ID.
func Token() (string, error) { return Generate(PrefixToken) }

// Stream returns a new event stream client ID.
func Stream() (string, error) { return Generate(PrefixStream) }
