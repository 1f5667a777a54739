// The okserial command lists serial ports matching a search expression.
//
//	okserial                      # all ports
//	okserial 'vid=239a'           # one vendor
//	okserial -v 'Adafruit ~/CDC/' # everything known about the match
//
// Exit status: 0 on success, 1 when nothing matched, 2 when the
// expression was expected to pick one port but matched several, 3 on a
// malformed expression, 4 on an enumeration failure.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/egnor/okserial/match"
	"github.com/egnor/okserial/scan"
)

const (
	exitOK = iota
	exitNoMatch
	exitMultiple
	exitParse
	exitIO
)

// LoggingEnv names the log level when --log-level is absent.
const LoggingEnv = "OK_LOGGING_LEVEL"

type cmdOptions struct {
	Verbose  bool   `short:"v" long:"verbose" description:"include full attribute dump per port"`
	LogLevel string `long:"log-level" description:"set logging verbosity" value-name:"LEVEL"`

	Positional struct {
		Expr string `positional-arg-name:"EXPR" description:"match expression"`
	} `positional-args:"yes"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts cmdOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Println(flagErr.Message)
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitParse
	}
	if err := setupLogging(opts.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitParse
	}

	provider, err := scan.NewProvider()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitParse
	}
	ports, err := provider.Scan()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitIO
	}

	expr := opts.Positional.Expr
	if expr == "" {
		for _, p := range ports {
			printPort(p, opts.Verbose)
		}
		return exitOK
	}

	m, err := match.Compile(expr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitParse
	}
	var hits []scan.Attributes
	for _, p := range ports {
		if m.Matches(p) {
			hits = append(hits, p)
		}
	}
	for _, p := range hits {
		printPort(p, opts.Verbose)
	}
	switch len(hits) {
	case 0:
		fmt.Fprintf(os.Stderr, "no serial port matches %q\n", expr)
		return exitNoMatch
	case 1:
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "%d serial ports match %q\n", len(hits), expr)
		return exitMultiple
	}
}

func setupLogging(level string) error {
	if level == "" {
		level = os.Getenv(LoggingEnv)
	}
	if level == "" {
		return nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)
	return nil
}

func printPort(p scan.Attributes, verbose bool) {
	fmt.Printf("%s\t%s\n", p.Device(), p.Description())
	if !verbose {
		return
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("    %s=%s\n", k, p[k])
	}
}
