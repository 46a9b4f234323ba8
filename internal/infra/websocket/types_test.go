package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		channel  string
		wantType ChannelType
		wantID   string
	}{
		{"runs", ChannelTypeRuns, ""},
		{"scan:abc-123", ChannelTypeScan, "abc-123"},
		{"job:def-456", ChannelTypeJob, "def-456"},
		{"job:with:colons", ChannelTypeJob, "with:colons"},
		{"", ChannelType(""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			gotType, gotID := ParseChannel(tt.channel)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantID, gotID)
		})
	}
}

func TestMakeChannel(t *testing.T) {
	assert.Equal(t, "runs", MakeChannel(ChannelTypeRuns, ""))
	assert.Equal(t, "scan:abc", MakeChannel(ChannelTypeScan, "abc"))
	assert.Equal(t, "job:def", MakeChannel(ChannelTypeJob, "def"))
}

func TestDefaultAuthorize(t *testing.T) {
	client := &Client{}

	assert.True(t, defaultAuthorize(client, "runs"))
	assert.True(t, defaultAuthorize(client, "scan:abc"))
	assert.True(t, defaultAuthorize(client, "job:abc"))

	assert.False(t, defaultAuthorize(client, "scan:"))
	assert.False(t, defaultAuthorize(client, "runs:abc"))
	assert.False(t, defaultAuthorize(client, "admin:abc"))
}
