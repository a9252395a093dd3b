// Command fbcast boots the simulated machine, animates the framebuffer, and
// streams raw BGRA frames of the device display to vsock clients. Useful for
// watching the display from the VM host.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/drewdorris/xv6-d00m/gpu"
	"github.com/drewdorris/xv6-d00m/kernel/sys"
	"github.com/drewdorris/xv6-d00m/machine"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		port = flag.Uint("port", 5900, "vsock port to listen on")
		fps  = flag.Int("fps", 10, "frames per second")
	)

	flag.Parse()

	m, err := machine.New(machine.Config{})
	if err != nil {
		panic(err)
	}

	defer m.Close()

	fb := sys.FB{
		GPU:     m.GPU,
		Current: func() int { return 1 },
	}

	if !fb.Acquire() {
		panic("fbcast: framebuffer is held")
	}

	defer fb.Release()

	ln, err := vsock.Listen(uint32(*port), nil)
	if err != nil {
		panic(err)
	}

	defer ln.Close()
	slog.Info("fbcast listening", "addr", ln.Addr())

	var mu sync.Mutex
	latest := make([]byte, gpu.FBBytes)

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		tick := time.NewTicker(time.Second / time.Duration(*fps))
		defer tick.Stop()

		for i := 0; ; i++ {
			drawScroller(fb.Map(), i)

			if err := fb.Transfer(); err != nil {
				return err
			}

			if err := fb.Flush(); err != nil {
				return err
			}

			mu.Lock()
			copy(latest, m.Dev.Display())
			mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-tick.C:
			}
		}
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}

			g.Go(func() error {
				defer conn.Close()
				return serve(ctx, conn, *fps, func(p []byte) {
					mu.Lock()
					copy(p, latest)
					mu.Unlock()
				})
			})
		}
	})

	if err := g.Wait(); err != nil {
		panic(err)
	}
}

// serve streams frames to one client until it hangs up.
func serve(ctx context.Context, conn net.Conn, fps int, snapshot func([]byte)) error {
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()

	frame := make([]byte, gpu.FBBytes)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick.C:
		}

		snapshot(frame)

		if _, err := conn.Write(frame); err != nil {
			// client went away
			return nil
		}
	}
}

// drawScroller writes a moving color wash, BGRA.
func drawScroller(fb []byte, frame int) {
	for y := 0; y < gpu.FBHeight; y++ {
		for x := 0; x < gpu.FBWidth; x++ {
			v := math.Sin(float64(x+frame*4) / 24)
			c := byte((v + 1) / 2 * 255)
			i := (y*gpu.FBWidth + x) * 4

			fb[i+0] = c
			fb[i+1] = byte(y)
			fb[i+2] = 255 - c
			fb[i+3] = 0xff
		}
	}
}
