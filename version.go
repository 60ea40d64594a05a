package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"aruco_bridge/core"
)

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", formatText, "output format: text, json or yaml")
	ldflags := fs.Bool("ldflags", false, "print the -ldflags that stamp another build (e.g. the plugin) with this version")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return core.ExitCodeSuccess
		}
		return core.ExitCodeUsage
	}

	info := core.GetBuildInfo()
	if *ldflags {
		fmt.Fprintln(stdout, core.BuildLdflags(info.Version, info.BuildTime, info.GitCommit))
		return core.ExitCodeSuccess
	}
	switch *format {
	case formatText:
		fmt.Fprintf(stdout, "aruco_bridge %s\n", info)
		fmt.Fprintf(stdout, "%s %s\n", info.GoVersion, info.Platform)
	case formatJSON, formatYAML:
		if err := encode(stdout, *format, info); err != nil {
			fmt.Fprintf(stderr, "version: %v\n", err)
			return core.ExitCodeError
		}
	default:
		fmt.Fprintf(stderr, "version: unknown format %q\n", *format)
		return core.ExitCodeUsage
	}
	return core.ExitCodeSuccess
}
