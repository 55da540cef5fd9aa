// Package qrimage renders the bitmap for arbitrary encoded content.
package qrimage

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const defaultSize = 256

// RenderPNG encodes content as a PNG of size x size pixels with medium error
// correction.
func RenderPNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = defaultSize
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr render failed: %w", err)
	}
	return png, nil
}

func DataURI(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
