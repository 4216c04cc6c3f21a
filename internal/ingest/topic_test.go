package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic_Valid(t *testing.T) {
	topic, err := ParseTopic("fix.tenant-a.devicekey123")
	require.NoError(t, err)
	assert.Equal(t, ParsedTopic{TenantID: "tenant-a", DeviceKey: "devicekey123"}, topic)
}

func TestParseTopic_RejectsWrongPrefix(t *testing.T) {
	_, err := ParseTopic("other.tenant-a.devicekey123")
	assert.Error(t, err)
}

func TestParseTopic_RejectsMissingSegment(t *testing.T) {
	_, err := ParseTopic("fix.tenant-a")
	assert.Error(t, err)
}

func TestParseTopic_RejectsEmptySegment(t *testing.T) {
	_, err := ParseTopic("fix..devicekey123")
	assert.Error(t, err)
}
