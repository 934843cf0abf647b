/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package kconfig

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
)

const (
	maxConfigSize int64 = 64 * 1024 // a boot config is a handful of knobs, not a program
)

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrFailedFileRead     = errors.New("failed to read entire config file")
)

// LoadFile opens a board boot-config file, enforces the size cap, and
// decodes it over a Default() config so unset sections keep their
// defaults, the way config.LoadConfigFile composes with IngestConfig.
func LoadFile(p string) (*KernelConfig, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}

	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		return nil, err
	} else if n != fi.Size() {
		return nil, ErrFailedFileRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes decodes raw INI-shaped config bytes into a KernelConfig
// pre-seeded with defaults, then validates the result.
func LoadBytes(b []byte) (*KernelConfig, error) {
	if int64(len(b)) > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	kc := Default()
	// gcfg appends multi-valued keys to what is already there, so the
	// default domain schedule is set aside and only restored if the
	// file names no domain entries of its own.
	defDomains := kc.Scheduler.Domain
	kc.Scheduler.Domain = nil
	if err := gcfg.ReadStringInto(kc, string(b)); err != nil {
		return nil, err
	}
	if len(kc.Scheduler.Domain) == 0 {
		kc.Scheduler.Domain = defDomains
	}
	if err := kc.Validate(); err != nil {
		return nil, err
	}
	return kc, nil
}

// LoadEnvVar overlays an environment variable onto cnd if cnd is still
// unset, exactly the override convention config.LoadEnvVar uses for
// ingester secrets — here used for GRAVWELL-style one-off overrides of
// the log level/file without rebuilding a config file.
func LoadEnvVar(cnd *string, envName, defVal string) error {
	if cnd == nil {
		return errors.New("invalid argument")
	} else if len(*cnd) > 0 {
		return nil
	} else if len(envName) == 0 {
		return nil
	}
	if v := os.Getenv(envName); v != `` {
		*cnd = v
	} else {
		*cnd = defVal
	}
	return nil
}
