package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres Driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "render":
		return runRenderCmd(args[2:], stdout, stderr)
	case "build":
		return runBuildCmd(args[2:], stdout, stderr)
	case "prove":
		return runProveCmd(args[2:], stdout, stderr)
	case "receipts":
		return runReceiptsCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "webproof %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const version = "0.1.0"

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sWebProof %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sPrepare manifests from a live session and prove them.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  webproof <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "MANIFESTS")
	printCommand(w, "validate", "Parse and validate a manifest (--manifest, --json)")
	printCommand(w, "render", "Substitute placeholders (--manifest, --var name=value)")
	printCommand(w, "build", "Run a preparation script against a session (--manifest, --script, --surface)")

	printSection(w, "PROVING")
	printCommand(w, "prove", "Generate a proof for a manifest (--manifest, --script)")
	printCommand(w, "receipts", "List proof receipts (--manifest-id, --limit, --json)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "All commands accept --config <file.yaml>; WEBPROOF_* environment variables override it.")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
