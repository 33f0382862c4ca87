package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/exmap/pkg/exmap"
)

// DemoCmd returns the demo command.
func DemoCmd(a *app) *Command {
	return &Command{
		Flags:  flag.NewFlagSet("demo", flag.ContinueOnError),
		Device: true,
		Usage:  "demo",
		Short:  "Run one alloc and one free batch on interface 0",
		Long: `Allocate pages 0-7, [10, 12) and [2090, 2100) in one batch, then free
pages 0-4 and [1037, 2842) in a second batch, printing every outcome.

The second free range covers [2090, 2100) but is otherwise not resident,
so it reports only the 10 pages actually released.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := noArgs(args); err != nil {
				return err
			}

			return execDemo(o, a)
		},
	}
}

var (
	demoAlloc = append(singles(8), exmap.Descriptor{Page: 10, Len: 2}, exmap.Descriptor{Page: 2090, Len: 10})
	demoFree  = append(singles(5), exmap.Descriptor{Page: 1037, Len: 1805})
)

func singles(n uint64) []exmap.Descriptor {
	ds := make([]exmap.Descriptor, 0, n)
	for p := range n {
		ds = append(ds, exmap.Descriptor{Page: p, Len: 1})
	}

	return ds
}

func execDemo(o *IO, a *app) (err error) {
	s, err := openSession(a.cfg, a.log, sessionOptions{})
	if err != nil {
		return err
	}

	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	b, err := s.dev.MapInterface(0)
	if err != nil {
		return err
	}

	res, err := demoBatch(o, s, b, exmap.OpAlloc, demoAlloc)
	if err != nil {
		return err
	}

	b, err = res.Reset()
	if err != nil {
		return err
	}

	res, err = demoBatch(o, s, b, exmap.OpFree, demoFree)
	if err != nil {
		return err
	}

	return res.Unmap()
}

func demoBatch(o *IO, s *session, b *exmap.Builder, op exmap.Opcode, ds []exmap.Descriptor) (*exmap.Results, error) {
	for _, d := range ds {
		if err := b.Push(d.Page, d.Len); err != nil {
			return nil, unmapOnError(b, err)
		}
	}

	var (
		res *exmap.Results
		err error
	)

	if op == exmap.OpFree {
		res, err = b.Free()
	} else {
		res, err = b.Alloc()
	}

	if err != nil {
		return nil, unmapOnError(b, err)
	}

	o.Printf("%s: %d descriptors, %d failed, %d pages\n", op, res.Len(), res.Failed(), res.Pages())

	for i, out := range res.All() {
		d := ds[i]
		o.Printf("  [%d] page=%d len=%d %s\n", i, d.Page, d.Len, formatOutcome(out))
	}

	if s.sim != nil {
		o.Printf("  resident=%d\n", s.sim.Used())
	}

	return res, nil
}

// unmapOnError releases the interface after a failed demo step.
func unmapOnError(b *exmap.Builder, err error) error {
	if uerr := b.Unmap(); uerr != nil {
		return fmt.Errorf("%w (unmap: %w)", err, uerr)
	}

	return err
}

func formatOutcome(out exmap.Outcome) string {
	if err := out.Err(); err != nil {
		return fmt.Sprintf("pages=%d err=%q", out.Pages, err.Error())
	}

	return fmt.Sprintf("pages=%d ok", out.Pages)
}
