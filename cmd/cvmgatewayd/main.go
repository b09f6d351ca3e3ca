// Command cvmgatewayd runs the confidential-VM I/O gateway. It has two
// subcommands: run boots the gateway and enters the dispatch loop
// against rsi.SimTrap, the software trap transport; selftest exercises
// the crypto and address-translation round trips of spec.md §8 in
// process, without a Realm monitor, the way the teacher's own probe
// subcommand exercises KVM capabilities without booting a guest.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
)

// CLI is the top-level kong command tree, following the shape the
// teacher's own flag/runs.go adopted for gokvm: one root struct, one
// field per subcommand, each subcommand a Run method returning error.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Boot the gateway and enter the dispatch loop."`
	Selftest SelftestCmd `cmd:"" help:"Run crypto and address-translation self-checks without a Realm monitor."`

	LogLevel string `help:"Log level: debug, info, warn, error." default:"info" enum:"debug,info,warn,error"`
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("cvmgatewayd"),
		kong.Description("confidential-VM I/O gateway"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	log := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.SetLevel(level)

	if err := ctx.Run(log); err != nil {
		log.Fatal(err)
	}
}
