package sfm

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestImage(t *testing.T, dir, name string, width, height int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
	return path
}

func TestProbeImageSize(t *testing.T) {
	dir := t.TempDir()
	path := writeTestImage(t, dir, "probe.png", 64, 48)

	width, height, err := ProbeImageSize(path)
	require.NoError(t, err)
	assert.Equal(t, 64, width)
	assert.Equal(t, 48, height)

	_, _, err = ProbeImageSize(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestSetImageSizeForCameras(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, dir, "exists.png", 32, 16)

	probed := &Camera{FileName: "exists.png"}
	missing := &Camera{FileName: "missing.png"}
	preset := &Camera{FileName: "preset.png", Width: 4608, Height: 3456}

	SetImageSizeForCameras([]*Camera{probed, missing, preset}, dir, 1920, 1080, golog.NewTestLogger(t))

	assert.Equal(t, 32, probed.Width)
	assert.Equal(t, 16, probed.Height)
	assert.Equal(t, 1920, missing.Width, "missing image falls back to the default")
	assert.Equal(t, 1080, missing.Height)
	assert.Equal(t, 4608, preset.Width, "format-supplied dimensions stay untouched")
	assert.Equal(t, 3456, preset.Height)
}

func TestSetImageSizeForCamerasAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	path := writeTestImage(t, dir, "abs.png", 20, 10)

	cam := &Camera{FileName: "abs.png", AbsolutePath: path}
	SetImageSizeForCameras([]*Camera{cam}, "/nowhere", 1, 1, golog.NewTestLogger(t))
	assert.Equal(t, 20, cam.Width)
	assert.Equal(t, 10, cam.Height)
}
