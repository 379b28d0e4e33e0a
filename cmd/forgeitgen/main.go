// Command forgeitgen turns YAML contract declarations into Go: catalog
// registrations and one typed adapter per contract.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("forgeitgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "Output file (default: <input>_forgeit.go next to the input)")
	pkg := fs.String("package", "", "Override the package name declared in the input")
	showVersion := fs.Bool("version", false, "Print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `forgeitgen - contract adapter generator (version %s)

Usage:
  forgeitgen [options] <contracts.yaml>

Options:
`, version)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one contract file is required")
	}

	input := fs.Arg(0)
	file, err := loadContractFile(input)
	if err != nil {
		return err
	}
	if *pkg != "" {
		file.Package = *pkg
	}
	src, err := generate(file, filepath.Base(input))
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}

	out := *output
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + "_forgeit.go"
	}
	if err := os.WriteFile(out, src, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(stdout, "  create  %s (%d contracts)\n", out, len(file.Contracts))
	return nil
}
