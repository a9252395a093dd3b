package machine_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/cavaliergopher/cpio"
	"github.com/drewdorris/xv6-d00m/machine"
)

func TestLoadSplash(t *testing.T) {
	img := []byte("not really pixels but good enough")

	t.Run("plain", func(t *testing.T) {
		got, err := machine.LoadSplash(splashArchive(t, img, false))
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(img, got) {
			t.Errorf("%q != %q", got, img)
		}
	})

	t.Run("gzip", func(t *testing.T) {
		got, err := machine.LoadSplash(splashArchive(t, img, true))
		if err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(img, got) {
			t.Errorf("%q != %q", got, img)
		}
	})

	t.Run("missing", func(t *testing.T) {
		buf := new(bytes.Buffer)
		if _, err := machine.LoadSplash(buf); err == nil {
			t.Error("no error for an empty reader")
		}
	})
}

func TestLoadSplashNoMember(t *testing.T) {
	img := []byte("pixels")

	// archive with a differently named member
	r := archiveWith(t, "other.bin", img)

	if _, err := machine.LoadSplash(r); !errors.Is(err, machine.ErrNoSplash) {
		t.Errorf("err = %v, want ErrNoSplash", err)
	}
}

func archiveWith(t *testing.T, name string, data []byte) io.Reader {
	t.Helper()

	buf := new(bytes.Buffer)
	cw := cpio.NewWriter(buf)

	err := cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	})

	if err != nil {
		t.Fatal(err)
	}

	if _, err := cw.Write(data); err != nil {
		t.Fatal(err)
	}

	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	return buf
}
