package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"aruco_bridge/aruco"
	"aruco_bridge/core"
)

func runGenerate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	size := fs.Int("size", 280, "marker side in pixels, border included")
	margin := fs.Int("margin", 40, "white quiet zone around the marker in pixels")
	dir := fs.String("dir", ".", "output directory")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: aruco_bridge generate [options] id|from-to...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return core.ExitCodeSuccess
		}
		return core.ExitCodeUsage
	}
	ids, err := parseIDs(fs.Args())
	if err != nil || len(ids) == 0 || *margin < 0 {
		if err == nil {
			err = errors.New("no marker ids given")
			if *margin < 0 {
				err = errors.New("margin must not be negative")
			}
		}
		fmt.Fprintf(stderr, "generate: %v\n", err)
		fs.Usage()
		return core.ExitCodeUsage
	}

	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintf(stderr, "generate: %v\n", err)
		return core.ExitCodeError
	}
	for _, id := range ids {
		path := filepath.Join(*dir, fmt.Sprintf("marker_%04d.png", id))
		if err := writeMarker(path, id, *size, *margin); err != nil {
			fmt.Fprintf(stderr, "generate: marker %d: %v\n", id, err)
			return core.ExitCodeError
		}
		fmt.Fprintln(stdout, path)
	}
	return core.ExitCodeSuccess
}

// parseIDs accepts single ids and inclusive ranges such as 10-19.
func parseIDs(args []string) ([]int, error) {
	var ids []int
	for _, arg := range args {
		from, to, isRange := strings.Cut(arg, "-")
		lo, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("bad marker id %q", arg)
		}
		hi := lo
		if isRange {
			if hi, err = strconv.Atoi(to); err != nil || hi < lo {
				return nil, fmt.Errorf("bad marker id range %q", arg)
			}
		}
		for id := lo; id <= hi; id++ {
			if id < 0 || id >= aruco.DictionarySize {
				return nil, fmt.Errorf("%w: %d", aruco.ErrInvalidMarkerID, id)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// renderMarker draws the marker centred on a white canvas.
func renderMarker(id, size, margin int) (*image.Gray, error) {
	m, err := aruco.DrawMarker(id, size)
	if err != nil {
		return nil, err
	}
	side := size + 2*margin
	canvas := image.NewGray(image.Rect(0, 0, side, side))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, m.Bounds().Add(image.Pt(margin, margin)), m, image.Point{}, draw.Src)
	return canvas, nil
}

func writeMarker(path string, id, size, margin int) (err error) {
	img, err := renderMarker(id, size, margin)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}
