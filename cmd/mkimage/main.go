// Command mkimage copies a built kernel binary into an image file,
// showing copy progress with a terminal progress bar, the same
// progressbar.DefaultBytes pattern used elsewhere for large sequential
// copies. The board configuration (default or -board) is validated and
// used only to label the progress bar and the final log line; it is not
// written into the image.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/aarch64core/internal/boardcfg"
)

func main() {
	kernelPath := flag.String("kernel", "", "path to the built kernel binary")
	boardPath := flag.String("board", "", "path to the board configuration YAML (default board if empty)")
	outPath := flag.String("out", "kernel8.img", "path to write the packaged image")
	flag.Parse()

	if *kernelPath == "" {
		slog.Error("mkimage: -kernel is required")
		os.Exit(2)
	}

	if err := run(*kernelPath, *boardPath, *outPath); err != nil {
		slog.Error("mkimage: exiting", "error", err)
		os.Exit(1)
	}
}

func run(kernelPath, boardPath, outPath string) error {
	cfg := boardcfg.Default()
	if boardPath != "" {
		loaded, err := boardcfg.Load(boardPath)
		if err != nil {
			return fmt.Errorf("mkimage: %w", err)
		}
		cfg = loaded
	}

	in, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("mkimage: open kernel: %w", err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return fmt.Errorf("mkimage: stat kernel: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("mkimage: create %s: %w", outPath, err)
	}
	defer out.Close()

	bar := progressbar.DefaultBytes(st.Size(), fmt.Sprintf("packaging %s image", cfg.Board))
	if _, err := io.Copy(io.MultiWriter(out, bar), in); err != nil {
		return fmt.Errorf("mkimage: copy kernel payload: %w", err)
	}

	slog.Info("mkimage: wrote image", "path", outPath, "board", cfg.Board, "cores", cfg.Cores)
	return nil
}
