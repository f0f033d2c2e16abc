package ply_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/photomesh/internal/ply"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloud.ply")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

const asciiColored = `ply
format ascii 1.0
comment produced for testing
element vertex 3
property float x
property float y
property float z
property uchar red
property uchar green
property uchar blue
end_header
0 0 0 255 0 0
1 0 0 0 255 0
0 1 0 0 0 255
`

const asciiPlain = `ply
format ascii 1.0
element vertex 2
property double x
property double y
property double z
end_header
0.5 1.5 2.5
-1 -2 -3
`

func TestLoadASCII(t *testing.T) {
	tests := map[string]struct {
		data      string
		expPoints [][3]float64
		expColors [][3]uint8
		expErr    bool
	}{
		"A colored cloud should load points and colors": {
			data:      asciiColored,
			expPoints: [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
			expColors: [][3]uint8{{255, 0, 0}, {0, 255, 0}, {0, 0, 255}},
		},

		"A colorless cloud should load points only": {
			data:      asciiPlain,
			expPoints: [][3]float64{{0.5, 1.5, 2.5}, {-1, -2, -3}},
		},

		"A non PLY file should fail": {
			data:   "not a ply file",
			expErr: true,
		},

		"A truncated body should fail": {
			data: `ply
format ascii 1.0
element vertex 5
property float x
property float y
property float z
end_header
1 2 3
`,
			expErr: true,
		},

		"A missing vertex element should fail": {
			data: `ply
format ascii 1.0
end_header
`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cloud, err := ply.Load(writeFile(t, []byte(test.data)))

			if test.expErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expPoints, cloud.Points)
			if test.expColors != nil {
				assert.True(t, cloud.HasColor())
				assert.Equal(t, test.expColors, cloud.Colors)
			} else {
				assert.False(t, cloud.HasColor())
			}
		})
	}
}

// binaryCloud builds a binary_little_endian file with float coords and uchar
// colors, color properties first to exercise arbitrary property order.
func binaryCloud(t *testing.T, points [][3]float64, colors [][3]uint8) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("ply\n")
	buf.WriteString("format binary_little_endian 1.0\n")
	buf.WriteString("element vertex 3\n")
	buf.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	buf.WriteString("property float x\nproperty float y\nproperty float z\n")
	buf.WriteString("end_header\n")

	for i := range points {
		buf.Write([]byte{colors[i][0], colors[i][1], colors[i][2]})
		for axis := 0; axis < 3; axis++ {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(points[i][axis])))
			buf.Write(b[:])
		}
	}

	return buf.Bytes()
}

func TestLoadBinaryLittleEndian(t *testing.T) {
	points := [][3]float64{{1, 2, 3}, {-1, 0.5, 8}, {0, 0, 0}}
	colors := [][3]uint8{{10, 20, 30}, {40, 50, 60}, {70, 80, 90}}

	cloud, err := ply.Load(writeFile(t, binaryCloud(t, points, colors)))
	require.NoError(t, err)

	require.Len(t, cloud.Points, 3)
	for i := range points {
		for axis := 0; axis < 3; axis++ {
			assert.InDelta(t, points[i][axis], cloud.Points[i][axis], 1e-5)
		}
	}
	assert.Equal(t, colors, cloud.Colors)
}

func TestCount(t *testing.T) {
	n, err := ply.Count(writeFile(t, []byte(asciiColored)))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCountBinaryReadsHeaderOnly(t *testing.T) {
	// Body deliberately truncated: Count must not touch it.
	data := []byte("ply\nformat binary_little_endian 1.0\nelement vertex 12345\nproperty float x\nproperty float y\nproperty float z\nend_header\n")

	n, err := ply.Count(writeFile(t, data))
	require.NoError(t, err)
	assert.Equal(t, 12345, n)
}

func TestLoadDiffuseColorNames(t *testing.T) {
	data := `ply
format ascii 1.0
element vertex 1
property float x
property float y
property float z
property uchar diffuse_red
property uchar diffuse_green
property uchar diffuse_blue
end_header
1 2 3 9 8 7
`
	cloud, err := ply.Load(writeFile(t, []byte(data)))
	require.NoError(t, err)
	assert.True(t, cloud.HasColor())
	assert.Equal(t, [][3]uint8{{9, 8, 7}}, cloud.Colors)
}
