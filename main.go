// Command aruco_bridge runs the marker detection pipeline on image files and
// prints printable markers. The same pipeline is exported to native hosts
// by the plugin package.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"aruco_bridge/core"
)

func main() {
	ctx, cancel := context.WithCancelCause(context.Background())

	// Handle interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		cancel(interrupted{sig})
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	signal.Stop(sigChan)
	cancel(nil)
	os.Exit(code)
}

// interrupted is the cancellation cause when a signal stops the CLI.
type interrupted struct{ sig os.Signal }

func (i interrupted) Error() string { return "interrupted by " + i.sig.String() }

// cancelledExitCode maps a cancelled context to the signal exit code.
func cancelledExitCode(ctx context.Context) int {
	var in interrupted
	if errors.As(context.Cause(ctx), &in) {
		return core.ExitCodeForSignal(in.sig)
	}
	return core.ExitCodeError
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return core.ExitCodeUsage
	}

	var code int
	command, rest := args[0], args[1:]
	switch command {
	case "detect":
		code = runDetect(ctx, rest, stdout, stderr)
	case "generate":
		code = runGenerate(rest, stdout, stderr)
	case "version":
		code = runVersion(rest, stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		code = core.ExitCodeUsage
	}

	if core.IsSignalExit(code) {
		fmt.Fprintf(stderr, "%s stopped: %s (exit %d)\n", command, core.ExitCodeName(code), code)
	}
	return code
}

// loadEnvFile loads variables from path without overriding the
// environment. With an empty path ./.env is loaded when present; the
// environment alone may carry the configuration.
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return core.ErrEnvFileMissing(path)
	}
	return godotenv.Load(path)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `aruco_bridge - ArUco marker detection and pose estimation

Usage: aruco_bridge <command> [options]

Commands:
  detect     Detect markers in image files and print ids, corners and poses
  generate   Write printable marker images
  version    Show build information
  help       Show this help message

Configuration for detect is read from the environment and an optional .env
file: ARUCO_CAMERA_PARAMS or ARUCO_CALIBRATION_FILE (required),
ARUCO_MARKER_SIZE, ARUCO_DOWNSCALE, ARUCO_FRAME_WIDTH, ARUCO_FRAME_HEIGHT,
ARUCO_PIXEL_FORMAT, ARUCO_DETECTOR, ARUCO_LOG_FILE, ARUCO_LOG_LEVEL, DEV_MODE.

Run 'aruco_bridge <command> -h' for command options.
`)
}
