package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns an identifier for a lab session.
func NewSessionID() string {
	return New("lab")
}

// NewProgressID returns an identifier for a progress record.
func NewProgressID() string {
	return New("prog")
}

// NewMockHandle returns a synthetic environment handle for mock mode.
func NewMockHandle() string {
	return New("mock")
}

// New returns a TypeID with the given prefix, falling back to a
// timestamp-shaped id if generation fails.
func New(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
