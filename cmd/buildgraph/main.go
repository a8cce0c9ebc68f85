// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package main

import (
	"namespacelabs.dev/buildgraph/internal/cli/cmd"
	"namespacelabs.dev/buildgraph/internal/cli/fncobra"
)

func main() {
	fncobra.DoMain("buildgraph", cmd.RegisterCommands)
}
