// Command fbdemo boots the simulated machine, animates the framebuffer
// through the syscall surface, and renders the device-side display in the
// terminal.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/drewdorris/xv6-d00m/gpu"
	"github.com/drewdorris/xv6-d00m/kernel/sys"
	"github.com/drewdorris/xv6-d00m/machine"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// config is the optional YAML demo configuration. Flags override it.
type config struct {
	MemMB  int    `yaml:"mem_mb"`
	Frames int    `yaml:"frames"`
	FPS    int    `yaml:"fps"`
	Splash string `yaml:"splash"`
}

func main() {
	var (
		cfgPath = flag.String("config", "", "load demo config from a YAML file")
		memMB   = flag.Int("mem", 0, "guest memory size in MiB")
		frames  = flag.Int("frames", 0, "number of frames to animate")
		fps     = flag.Int("fps", 0, "frames per second")
		splash  = flag.String("splash", "", "cpio archive with a splash.bgra member")
	)

	flag.Parse()

	cfg := config{MemMB: 4, Frames: 120, FPS: 30}

	if *cfgPath != "" {
		raw, err := os.ReadFile(*cfgPath)
		if err != nil {
			panic(err)
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			panic(err)
		}
	}

	if *memMB != 0 {
		cfg.MemMB = *memMB
	}

	if *frames != 0 {
		cfg.Frames = *frames
	}

	if *fps != 0 {
		cfg.FPS = *fps
	}

	if *splash != "" {
		cfg.Splash = *splash
	}

	mcfg := machine.Config{MemSize: cfg.MemMB << 20}

	if cfg.Splash != "" {
		f, err := os.Open(cfg.Splash)
		if err != nil {
			panic(err)
		}

		defer f.Close()
		mcfg.Splash = f
	}

	m, err := machine.New(mcfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	fb := sys.FB{
		GPU:     m.GPU,
		Current: func() int { return 1 },
	}

	if !fb.Acquire() {
		panic("fbdemo: framebuffer is held")
	}

	defer fb.Release()

	tick := time.NewTicker(time.Second / time.Duration(cfg.FPS))
	defer tick.Stop()

	for i := 0; i < cfg.Frames; i++ {
		drawPlasma(fb.Map(), i)

		if err := fb.Transfer(); err != nil {
			panic(err)
		}

		if err := fb.Flush(); err != nil {
			panic(err)
		}

		render(m.Dev.Display(), i)
		<-tick.C
	}
}

// drawPlasma writes one frame of a sine plasma into the framebuffer, BGRA.
func drawPlasma(fb []byte, frame int) {
	t := float64(frame) / 10

	for y := 0; y < gpu.FBHeight; y++ {
		for x := 0; x < gpu.FBWidth; x++ {
			v := math.Sin(float64(x)/16+t) +
				math.Sin(float64(y)/8) +
				math.Sin((float64(x)+float64(y))/16+t)

			c := byte((v + 3) / 6 * 255)
			i := (y*gpu.FBWidth + x) * 4

			fb[i+0] = 255 - c // B
			fb[i+1] = c / 2   // G
			fb[i+2] = c       // R
			fb[i+3] = 0xff    // A
		}
	}
}

// render draws the device display with ANSI half blocks, sampled down to
// the terminal size. Off a terminal it prints one status line per frame.
func render(frame []byte, n int) {
	if len(frame) == 0 {
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("frame %d: %d bytes\n", n, len(frame))
		return
	}

	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols < 2 || rows < 2 {
		return
	}

	if cols > gpu.FBWidth {
		cols = gpu.FBWidth
	}

	// two pixels per cell via the upper half block
	high := (rows - 1) * 2
	if high > gpu.FBHeight {
		high = gpu.FBHeight
	}

	fmt.Print("\x1b[H")

	for y := 0; y+1 < high; y += 2 {
		for x := 0; x < cols; x++ {
			sx := x * gpu.FBWidth / cols
			sy0 := y * gpu.FBHeight / high
			sy1 := (y + 1) * gpu.FBHeight / high

			tb, tg, tr := px(frame, sx, sy0)
			bb, bg, br := px(frame, sx, sy1)

			fmt.Printf("\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm▀", tr, tg, tb, br, bg, bb)
		}

		fmt.Print("\x1b[0m\n")
	}
}

func px(frame []byte, x, y int) (b, g, r byte) {
	i := (y*gpu.FBWidth + x) * 4
	return frame[i], frame[i+1], frame[i+2]
}
