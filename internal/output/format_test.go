package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "8.00 MB", FormatBytes(8*1024*1024))
	assert.Equal(t, "1.50 GB", FormatBytes(3*512*1024*1024))
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0))
	assert.Equal(t, "1.00 MB/s", FormatSpeed(1024*1024))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "--", FormatETA(0))
	assert.Equal(t, "45s", FormatETA(45*time.Second))
	assert.Equal(t, "2m05s", FormatETA(125*time.Second))
	assert.Equal(t, "1h01m", FormatETA(61*time.Minute))
}

func TestProgressBarBounds(t *testing.T) {
	assert.NotEmpty(t, ProgressBar(0, 100, 20))
	assert.NotEmpty(t, ProgressBar(100, 100, 20))
	assert.NotEmpty(t, ProgressBar(150, 100, 20))
	assert.NotEmpty(t, ProgressBar(-5, 100, 20))
	assert.NotEmpty(t, ProgressBar(50, 0, 20))
}
