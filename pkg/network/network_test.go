package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVethNames(t *testing.T) {
	host, container := vethNames("abcdef0123456789")
	assert.Equal(t, "vethabcdef01h", host)
	assert.Equal(t, "vethabcdef01c", container)

	host, container = vethNames("short")
	assert.Equal(t, "vethshorth", host)
	assert.Equal(t, "vethshortc", container)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdef01", shortID("abcdef0123456789"))
	assert.Equal(t, "short", shortID("short"))
}
