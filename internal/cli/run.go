// Package cli implements the exmapctl command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/internal/config"
)

// app is the state shared by all commands. It is filled in after global
// flags and config are loaded.
type app struct {
	cfg config.Config
	env map[string]string
	in  io.Reader
	log *logrus.Logger
}

func (a *app) commands() []*Command {
	return []*Command{
		InfoCmd(a),
		DemoCmd(a),
		BenchCmd(a),
		ShellCmd(a),
		PrintConfigCmd(a),
		ConfigInitCmd(a),
	}
}

type globalFlags struct {
	set     *flag.FlagSet
	cwd     string
	config  string
	device  string
	sim     bool
	verbose bool
	help    bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("exmapctl", flag.ContinueOnError)}

	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})
	g.set.StringVarP(&g.cwd, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.config, "config", "c", "", "Use specified config `file`")
	g.set.StringVar(&g.device, "device", "", "Control device `path` (kernel driver)")
	g.set.BoolVar(&g.sim, "sim", false, "Use the in-process simulated driver")
	g.set.BoolVarP(&g.verbose, "verbose", "v", false, "Log debug records to stderr")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

func (g *globalFlags) overrides() config.Config {
	o := config.Config{Device: g.device}

	if g.sim {
		o.Driver = config.DriverSim
	}

	if g.verbose {
		o.LogLevel = "debug"
	}

	return o
}

// Run is the main entry point. Returns exit code.
//
// A value on sigCh cancels the running command's context.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	a := &app{env: env, in: in}
	cmds := a.commands()
	globals := newGlobalFlags()

	if len(args) > 0 {
		args = args[1:]
	}

	if err := globals.set.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals.set, cmds)

		return 1
	}

	rest := globals.set.Args()

	if globals.help || len(rest) == 0 {
		printUsage(out, globals.set, cmds)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: globals.cwd,
		ConfigPath:      globals.config,
		Overrides:       globals.overrides(),
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a.cfg = cfg

	a.log, err = newLogger(errOut, cfg.LogLevel)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	cmd, err := lookup(cmds, rest[0])
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals.set, cmds)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	o := NewIO(out, errOut)

	if code := cmd.Run(ctx, o, rest[1:]); code != 0 {
		return code
	}

	return o.Finish()
}

func lookup(cmds []*Command, name string) (*Command, error) {
	for _, c := range cmds {
		if c.Name() == name {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", errUnknownCommand, name)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `exmapctl - exmap page cache control

Usage: exmapctl [options] <command> [args]

Options:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	for _, group := range []struct {
		title  string
		device bool
	}{{"Commands:", true}, {"Config commands:", false}} {
		fprintln(w)
		fprintln(w, group.title)

		for _, c := range cmds {
			if c.Device == group.device {
				fprintln(w, c.HelpLine())
			}
		}
	}
}

