package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/exmap/internal/config"
	"github.com/calvinalkan/exmap/pkg/coord"
	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/exmap/exmapsim"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

// session is an open device with its region and page table. The pool is
// only present when requested.
type session struct {
	dev     *exmap.Device
	region  *exmap.Region
	table   *vmcache.Table
	pool    *coord.Pool
	backing *os.File
	sim     *exmapsim.Sim // nil on the kernel driver
}

type sessionOptions struct {
	pool     bool
	recorder coord.Recorder
}

// openSession opens the configured driver and creates the region. Anything
// acquired before a failure is released again.
func openSession(cfg config.Config, log logrus.FieldLogger, opts sessionOptions) (*session, error) {
	s := &session{}

	var err error

	switch cfg.Driver {
	case config.DriverSim:
		s.sim = exmapsim.New(exmap.DefaultPageSize)

		s.dev, err = exmap.NewDevice(s.sim, exmap.Options{PageSize: exmap.DefaultPageSize, Logger: log})
	default:
		s.dev, err = exmap.Open(cfg.Device, exmap.Options{PageSize: os.Getpagesize(), Logger: log})
	}

	if err != nil {
		return nil, err
	}

	size := cfg.RegionSize(s.dev.PageSize())

	if cfg.BackingFileAbs != "" {
		s.backing, err = openBacking(cfg.BackingFileAbs, int64(size))
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	s.region, err = s.dev.Create(exmap.RegionConfig{
		Size:          size,
		MaxInterfaces: cfg.Threads,
		BufferPages:   cfg.BufferPages(),
		Backing:       s.backing,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.table, err = vmcache.New(int(s.region.Pages()), vmcache.WithRetryPolicy(cfg.RetryPolicy()))
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	if opts.pool {
		s.pool, err = coord.NewPool(s.dev, s.region, s.table, cfg.Threads, coord.Options{
			Logger:   log,
			Recorder: opts.recorder,
		})
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}

	log.WithFields(logrus.Fields{
		"driver":  cfg.Driver,
		"pages":   s.region.Pages(),
		"threads": cfg.Threads,
	}).Debug("session open")

	return s, nil
}

func openBacking(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backing file: %w", err)
	}

	fi, err := f.Stat()
	if err == nil && fi.Size() < size {
		err = f.Truncate(size)
	}

	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("backing file: %w", err)
	}

	return f, nil
}

// Close releases everything in reverse order of acquisition.
func (s *session) Close() error {
	var errs []error

	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}

	if s.region != nil {
		errs = append(errs, s.region.Unmap())
	}

	if s.dev != nil {
		errs = append(errs, s.dev.Close())
	}

	if s.backing != nil {
		errs = append(errs, s.backing.Close())
	}

	return errors.Join(errs...)
}
