// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

//go:build unix

package ulimit

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// SetFileLimit raises the limit of open files to n, if it's lower. Failures are logged.
func SetFileLimit(ctx context.Context, n uint64) {
	if err := setFileLimit(n); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Uint64("limit", n).Msg("failed to raise the open file limit")
	}
}

func setFileLimit(n uint64) error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}

	if uint64(rlimit.Cur) >= n {
		return nil
	}

	// The hard limit can only be lowered without privileges.
	if uint64(rlimit.Max) < n {
		n = uint64(rlimit.Max)
	}

	rlimit.Cur = n
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}
