package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/internal/config"
	"github.com/calvinalkan/exmap/pkg/exmap"
)

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	return &Command{
		Flags:  flag.NewFlagSet("info", flag.ContinueOnError),
		Device: true,
		Usage:  "info",
		Short:  "Open the device and show the region layout",
		Long: `Open the configured driver, create the region and map every interface,
then print the resulting layout and release everything again.

Fails if the control device is missing or rejects the setup.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			return execInfo(o, a)
		},
	}
}

func execInfo(o *IO, a *app) (err error) {
	s, err := openSession(a.cfg, a.log, sessionOptions{pool: true})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	o.Println("driver=" + a.cfg.Driver)

	if a.cfg.Driver == config.DriverKernel {
		o.Println("device=" + a.cfg.Device)
	}

	o.Printf("page_size=%d\n", s.dev.PageSize())
	o.Printf("region_size=%d\n", s.region.Size())
	o.Printf("region_pages=%d\n", s.region.Pages())
	o.Printf("interfaces=%d\n", len(s.pool.Workers()))
	o.Printf("buffer_pages=%d\n", a.cfg.BufferPages())
	o.Printf("interface_size=%d\n", exmap.InterfaceSize)
	o.Printf("max_count=%d\n", exmap.MaxCount)

	if a.cfg.BackingFileAbs != "" {
		o.Println("backing_file=" + a.cfg.BackingFileAbs)
	}

	return nil
}
