package machine

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cavaliergopher/cpio"
	"github.com/drewdorris/xv6-d00m/gpu"
)

// SplashName is the archive member holding the boot splash: raw BGRA pixels
// at the framebuffer geometry.
const SplashName = "splash.bgra"

var ErrNoSplash = errors.New("machine: no splash.bgra in archive")

// LoadSplash reads a boot splash from a cpio archive, gzip-compressed or
// plain. The image may be shorter than the framebuffer; it is returned as-is
// and the caller copies it over the frame.
func LoadSplash(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)

	// gzip magic?
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("machine: splash: %w", err)
		}

		defer zr.Close()
		return readSplash(zr)
	}

	return readSplash(br)
}

func readSplash(r io.Reader) ([]byte, error) {
	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil, ErrNoSplash
		}

		if err != nil {
			return nil, fmt.Errorf("machine: splash: %w", err)
		}

		if strings.TrimPrefix(hdr.Name, "./") != SplashName {
			continue
		}

		img, err := io.ReadAll(io.LimitReader(cr, gpu.FBBytes))
		if err != nil {
			return nil, fmt.Errorf("machine: splash: %w", err)
		}

		return img, nil
	}
}
