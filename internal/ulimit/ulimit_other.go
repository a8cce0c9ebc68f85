// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

//go:build !unix

package ulimit

import "context"

func SetFileLimit(ctx context.Context, n uint64) {}
