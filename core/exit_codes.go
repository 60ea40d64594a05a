package core

import (
	"os"
	"syscall"
)

// Exit codes for the CLI.
// Signal-based exits follow the Unix 128 + signal number convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeUsage is returned for bad flags or an unknown subcommand.
	ExitCodeUsage = 2

	// ExitCodeConfig is returned when configuration cannot be loaded
	// (sysexits EX_CONFIG).
	ExitCodeConfig = 78

	// ExitCodeSIGINT indicates termination due to SIGINT (Ctrl+C), 128 + 2.
	ExitCodeSIGINT = 130

	// ExitCodeSIGTERM indicates termination due to SIGTERM, 128 + 15.
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeUsage:
		return "usage"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit returns true if the exit code indicates a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}

// ExitCodeForSignal maps the signal that stopped the CLI to its exit code.
func ExitCodeForSignal(sig os.Signal) int {
	switch sig {
	case os.Interrupt:
		return ExitCodeSIGINT
	case syscall.SIGTERM:
		return ExitCodeSIGTERM
	default:
		return ExitCodeError
	}
}
