// Package decode contains the default image codecs used by the cache to
// turn fetched bytes into images and injected images back into bytes
package decode

import (
	"bytes"
	"image"
	"image/png"

	// Register the formats the cache is able to decode
	_ "image/gif"
	_ "image/jpeg"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned for empty input
var ErrUnsupported = errors.New("unsupported image data")

type (
	// Image decodes GIF, JPEG and PNG data and encodes images as PNG
	Image struct{}
)

// Decode parses the data into an image and reports the detected format
func (Image) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrUnsupported
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding image")
	}

	return img, format, nil
}

// Encode serializes the image as PNG and returns its content-type
func (Image) Encode(img image.Image) ([]byte, string, error) {
	if img == nil {
		return nil, "", errors.New("encoding nil image")
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return nil, "", errors.Wrap(err, "encoding png")
	}

	return buf.Bytes(), "image/png", nil
}
