// Package xlog is the colored, leveled logger cmd/ binaries use. Core
// protocol packages (bitstream, wire, reliability, message, block,
// handshake, netcode) take no logging dependency at all; only the
// outer driver layer does.
package xlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	colorReset = "\033[0m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return l
}

// SetLevel sets the minimum level logged, accepting logrus's level names.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// Logger is a named child logger; callers attach persistent fields via
// WithField/WithFields the usual logrus way.
type Logger struct {
	*logrus.Entry
}

// Named returns a Logger tagging every entry with a "component" field,
// e.g. xlog.Named("server") or xlog.Named("client").
func Named(component string) Logger {
	return Logger{base.WithField("component", component)}
}

// Section prints a boxed section header straight to stdout, outside the
// structured logging path, for human-readable CLI output.
func Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Printf("\n%s╔%s╗%s\n", colorCyan, border, colorReset)
	fmt.Printf("%s║%s %-57s %s║%s\n", colorCyan, colorReset, title, colorCyan, colorReset)
	fmt.Printf("%s╚%s╝%s\n\n", colorCyan, border, colorReset)
}

// Banner prints the application banner.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ██╗██████╗  ██████╗ ███╗   ██╗██╗    ██╗██╗██████╗ ███████╗
║   ██║██╔══██╗██╔═══██╗████╗  ██║██║    ██║██║██╔══██╗██╔════╝
║   ██║██████╔╝██║   ██║██╔██╗ ██║██║ █╗ ██║██║██████╔╝█████╗
║   ██║██╔══██╗██║   ██║██║╚██╗██║██║███╗██║██║██╔══██╗██╔══╝
║   ██║██║  ██║╚██████╔╝██║ ╚████║╚███╔███╔╝██║██║  ██║███████╗
║   ╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝ ╚══╝╚══╝ ╚═╝╚═╝  ╚═╝╚══════╝
║                                                           ║
║              %s%-37s%s║
║                    %sVersion %-7s%s                      ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, colorCyan, title, colorReset, colorGreen, version, colorReset)
}
