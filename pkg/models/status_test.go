package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLStatus_String(t *testing.T) {
	assert.Equal(t, "unknown", URLUnknown.String())
	assert.Equal(t, "pending", URLPending.String())
	assert.Equal(t, "completed", URLCompleted.String())
	assert.Equal(t, "invalid", URLStatus(7).String())
}

func TestURLRecord_Status(t *testing.T) {
	var missing *URLRecord
	assert.Equal(t, URLUnknown, missing.Status())
	assert.Equal(t, URLPending, (&URLRecord{URL: "https://a.ics.uci.edu"}).Status())
	assert.Equal(t, URLCompleted, (&URLRecord{URL: "https://a.ics.uci.edu", Completed: true}).Status())
}
