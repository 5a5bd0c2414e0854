package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult_Backup(t *testing.T) {
	steps := []Step{
		{Name: "dump", State: StepSuccess, Message: "dumping database"},
		{Name: "upload", State: StepSuccess, Message: `uploaded
ECHOPORT_RESULT:{"success":true,"bucket":"echoport-mastodon","key":"mastodon/2026-08-30T02-00-00/backup.tar.gz","size_bytes":1048576,"checksum_sha256":"abc123","file_count":4}`},
	}

	result := ParseResult(steps)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "echoport-mastodon", result.Bucket)
	assert.Equal(t, "mastodon/2026-08-30T02-00-00/backup.tar.gz", result.Key)
	assert.Equal(t, int64(1048576), result.SizeBytes)
	assert.Equal(t, "abc123", result.ChecksumSHA256)
	assert.Equal(t, 4, result.FileCount)
}

func TestParseResult_Failure(t *testing.T) {
	steps := []Step{
		{Name: "dump", State: StepFailure, Message: `ECHOPORT_RESULT:{"success":false,"error":"sqlite3 file is locked"}`},
	}

	result := ParseResult(steps)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "sqlite3 file is locked", result.Error)
}

func TestParseResult_FirstMarkerWins(t *testing.T) {
	steps := []Step{
		{Message: `ECHOPORT_RESULT:{"success":true,"key":"first"}`},
		{Message: `ECHOPORT_RESULT:{"success":true,"key":"second"}`},
	}

	result := ParseResult(steps)
	require.NotNil(t, result)
	assert.Equal(t, "first", result.Key)
}

func TestParseResult_MalformedPayloadSkipped(t *testing.T) {
	steps := []Step{
		{Message: `ECHOPORT_RESULT:{"success":tru`},
		{Message: `ECHOPORT_RESULT:{"success":true,"key":"good"}`},
	}

	result := ParseResult(steps)
	require.NotNil(t, result)
	assert.Equal(t, "good", result.Key)
}

func TestParseResult_NoMarker(t *testing.T) {
	steps := []Step{
		{Message: "plain log output"},
		{Message: ""},
	}
	assert.Nil(t, ParseResult(steps))
	assert.Nil(t, ParseResult(nil))
}
