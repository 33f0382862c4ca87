package cli

import (
	"context"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/internal/config"
)

// ConfigInitCmd returns the config-init command.
func ConfigInitCmd(a *app) *Command {
	flags := flag.NewFlagSet("config-init", flag.ContinueOnError)
	flags.Bool("global", false, "Write the global config instead of "+config.FileName)
	flags.BoolP("force", "f", false, "Overwrite an existing file")

	return &Command{
		Flags: flags,
		Usage: "config-init [--global] [--force]",
		Short: "Write a config file with the defaults",
		Long: `Write the default configuration to ` + config.FileName + ` in the working
directory, or to the global config file with --global.

An existing file is left alone unless --force is given.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			global, _ := flags.GetBool("global")
			force, _ := flags.GetBool("force")

			path := filepath.Join(a.cfg.EffectiveCwd, config.FileName)

			if global {
				path = config.GlobalPath(a.env)
				if path == "" {
					return errNoGlobalPath
				}
			}

			if err := config.WriteFile(path, config.Default(), force); err != nil {
				return err
			}

			o.Println("wrote " + path)

			return nil
		},
	}
}
