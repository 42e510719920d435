package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the blocking server.
var startServer = runServer

// Run dispatches a command line and returns the process exit code:
// 0 success, 1 policy verdict other than PUBLISH or invalid input, 2 runtime
// error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "claimgate: gate pipeline for machine-generated claim bundles")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  claimgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP server (default)")
	printCommand(w, "evaluate", "Evaluate a bundle file (--bundle, --policy, --tool, --action, --json)")
	printCommand(w, "validate", "Check a bundle file's structure (--bundle)")
	printCommand(w, "policy", "Validate and print the effective policy (--file, --json)")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "ENVIRONMENT:")
	_, _ = fmt.Fprintln(w, "  PORT, LOG_LEVEL, DATABASE_URL, DATA_DIR, REDIS_ADDR, POLICY_FILE,")
	_, _ = fmt.Fprintln(w, "  GUARDIAN_URL, GUARDIAN_TIMEOUT, APPROVER_JWT_SECRET, AUDIT_SEAL_SECRET,")
	_, _ = fmt.Fprintln(w, "  ARCHIVE_BACKEND, ARCHIVE_BUCKET, ARCHIVE_PREFIX, ARCHIVE_REGION,")
	_, _ = fmt.Fprintln(w, "  ARCHIVE_ENDPOINT, OTEL_ENABLED, OTEL_ENDPOINT")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
