package main

import (
	"os"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/islet-project/cvmgateway/fedprivacy"
	"github.com/islet-project/cvmgateway/gateway"
	"github.com/islet-project/cvmgateway/rsi"
	"github.com/islet-project/cvmgateway/vsock"
)

// RunCmd boots the gateway and enters its dispatch loop.
//
// The actual SMC trap instruction is, per spec.md §1, "out of scope
// ... specified only at their interface": this binary has no
// architecture-specific way to issue a real secure-monitor call, so
// Run always drives rsi.SimTrap, the software harness transport
// (rsi/trap_sim.go) that replays a scripted sequence of message types.
// A real Realm deployment links a build-tag-selected Trap implementation
// that performs the actual SMC and wires it in here in its place; that
// implementation is the "raw hypercall shim" external collaborator.
type RunCmd struct {
	Iterations  int    `help:"Stop after this many dispatched messages. 0 means run forever." default:"0"`
	Profile     bool   `help:"Wrap the dispatch loop in a CPU profile (pkg/profile) and expose fgprof's wall-clock profile of the blocking HostCall."`
	FedPrivacy  bool   `help:"Also register the fedprivacy module alongside cvm_hardening."`
	Vsock       bool   `help:"Enable the vsock-tx/vsock-rx forwarding sub-channels."`
	VsockTXCID  uint32 `help:"vsock CID the vsock-tx sub-channel forwards to." default:"2"`
	VsockTXPort uint32 `help:"vsock port the vsock-tx sub-channel forwards to." default:"9000"`
	VsockRXCID  uint32 `help:"vsock CID the vsock-rx sub-channel forwards to." default:"2"`
	VsockRXPort uint32 `help:"vsock port the vsock-rx sub-channel forwards to." default:"9001"`
}

func (r *RunCmd) Run(log *logrus.Logger) error {
	if r.Profile {
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()

		fgprofFile, err := os.Create("cvmgatewayd.fgprof")
		if err != nil {
			return err
		}
		defer fgprofFile.Close() //nolint:errcheck

		stop := fgprof.Start(fgprofFile, fgprof.FormatPprof)
		defer stop() //nolint:errcheck
	}

	cfg := gateway.Config{
		Log: func(format string, args ...any) { log.Debugf(format, args...) },
	}

	if r.Vsock {
		cfg.Vsock = gateway.VsockConfig{
			Enabled: true,
			Dialer:  vsock.NewProductionDialer(),
			TXCID:   r.VsockTXCID,
			TXPort:  r.VsockTXPort,
			RXCID:   r.VsockRXCID,
			RXPort:  r.VsockRXPort,
		}
	}

	gw := gateway.New(cfg)

	shim := rsi.New(nil)
	trap := rsi.NewSimTrap(shim)
	shim.SetTrap(trap)
	gw.RSI = shim
	gw.Loop.Caller = shim

	if err := gw.RegisterDefaultModules(); err != nil {
		return err
	}

	if r.FedPrivacy {
		fl := fedprivacy.New()
		fl.Priority = 1 // cvm_hardening holds priority 0

		if err := gw.Modules.Register(fl); err != nil {
			return err
		}
	}

	log.WithField("component", "gateway").Info("booting")
	gw.Boot()

	gw.Loop.Iterations = r.Iterations

	log.WithField("component", "dispatch").Info("entering dispatch loop")

	return gw.Loop.Run()
}
