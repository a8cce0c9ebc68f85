// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package process

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {
	// Means nothing on Windows.
}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
