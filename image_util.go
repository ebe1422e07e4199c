package sfm

import (
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/chai2010/tiff"
	"github.com/edaniels/golog"
	mst "github.com/flywave/go-mst"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
)

// ProbeImageSize returns the pixel dimensions of an image file. Only the
// header is decoded, never the pixel data, so probing stays cheap even for
// large photos.
func ProbeImageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "open image %q", path)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "decode image header of %q", path)
	}
	return cfg.Width, cfg.Height, nil
}

// SetImageSizeForCameras fills in the width and height of every camera that
// does not carry dimensions yet by probing its image file. Cameras whose
// format already supplied dimensions are left untouched. When a file cannot
// be probed the caller-provided defaults are used and a warning is emitted.
func SetImageSizeForCameras(cameras []*Camera, imageDir string, defaultWidth, defaultHeight int, logger golog.Logger) {
	for _, cam := range cameras {
		if cam.Width > 0 && cam.Height > 0 {
			continue
		}
		path := cam.AbsolutePath
		if path == "" {
			path = filepath.Join(imageDir, cam.FileName)
		}
		width, height, err := ProbeImageSize(path)
		if err != nil {
			logger.Warnf("using default image size %dx%d for %s: %v", defaultWidth, defaultHeight, cam.FileName, err)
			cam.Width, cam.Height = defaultWidth, defaultHeight
			continue
		}
		cam.Width, cam.Height = width, height
	}
}

// loadTextureFile decodes an image into an mst texture for the mesh loader.
func loadTextureFile(path string, texID int) (*mst.Texture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	_, ft, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	img, err := readImage(f, ft)
	if err != nil {
		return nil, err
	}

	bd := img.Bounds()
	buf := make([]byte, 0, bd.Dx()*bd.Dy()*4)
	for y := 0; y < bd.Dy(); y++ {
		for x := 0; x < bd.Dx(); x++ {
			r, g, b, a := color.RGBAModel.Convert(img.At(x, y)).RGBA()
			buf = append(buf, byte(r&0xff), byte(g&0xff), byte(b&0xff), byte(a&0xff))
		}
	}

	t := &mst.Texture{}
	t.Id = int32(texID)
	t.Format = mst.TEXTURE_FORMAT_RGBA
	t.Size = [2]uint64{uint64(bd.Dx()), uint64(bd.Dy())}
	t.Compressed = mst.TEXTURE_COMPRESSED_ZLIB
	t.Data = mst.CompressImage(buf)
	return t, nil
}

func readImage(rd io.Reader, ft string) (image.Image, error) {
	switch ft {
	case "jpeg", "jpg":
		return jpeg.Decode(rd)
	case "png":
		return png.Decode(rd)
	case "gif":
		return gif.Decode(rd)
	case "bmp":
		return bmp.Decode(rd)
	case "tif", "tiff":
		return tiff.Decode(rd)
	default:
		return nil, errors.Errorf("unknown image format %q", ft)
	}
}
