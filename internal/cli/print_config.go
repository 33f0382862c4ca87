package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			return execPrintConfig(o, a)
		},
	}
}

func execPrintConfig(o *IO, a *app) error {
	cfg := a.cfg

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}

	o.Printf("%s", data)
	o.Println("")
	o.Println("effective_cwd=" + cfg.EffectiveCwd)

	if cfg.BackingFileAbs != "" {
		o.Println("backing_file=" + cfg.BackingFileAbs)
	}

	if cfg.MetricsFileAbs != "" {
		o.Println("metrics_file=" + cfg.MetricsFileAbs)
	}

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
