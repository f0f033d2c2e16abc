package workspace_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/photomesh/internal/workspace"
)

func TestDetectFormat(t *testing.T) {
	tests := map[string]struct {
		data      []byte
		expFormat workspace.Format
		expExt    string
	}{
		"A JPEG payload should be detected": {
			data:      []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0, 0},
			expFormat: workspace.FormatJPEG,
			expExt:    ".jpg",
		},

		"A PNG payload should be detected": {
			data:      []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0},
			expFormat: workspace.FormatPNG,
			expExt:    ".png",
		},

		"A WEBP payload should be detected": {
			data:      []byte{'R', 'I', 'F', 'F', 0x10, 0x00, 0x00, 0x00, 'W', 'E', 'B', 'P', 'V', 'P', '8'},
			expFormat: workspace.FormatWebP,
			expExt:    ".webp",
		},

		"A HEIC payload should be detected": {
			data:      []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c', 0, 0, 0, 0},
			expFormat: workspace.FormatHEIC,
			expExt:    ".heic",
		},

		"Random bytes should not match any format": {
			data:      []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c},
			expFormat: workspace.FormatUnknown,
		},

		"A short payload should not match any format": {
			data:      []byte{0xff, 0xd8},
			expFormat: workspace.FormatUnknown,
		},

		"An empty payload should not match any format": {
			data:      nil,
			expFormat: workspace.FormatUnknown,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got := workspace.DetectFormat(test.data)
			assert.Equal(t, test.expFormat, got)
			if test.expExt != "" {
				assert.Equal(t, test.expExt, got.Ext())
			}
		})
	}
}
