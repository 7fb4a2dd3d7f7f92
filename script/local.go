// Copyright © 2020 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of stackup.
//
//  stackup is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  stackup is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with stackup. If not, see <http://www.gnu.org/licenses/>.

package script

// This file contains the Transport for running scripts on the local machine.

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// DefaultShell is the interpreter scripts are piped in to.
const DefaultShell = "bash"

// waitDelay is how long we wait for a killed script's children to release its
// output pipes.
const waitDelay = 1 * time.Second

// LocalShell is a Transport that runs scripts with a shell on this machine.
type LocalShell struct {
	Shell string // defaults to DefaultShell
}

// Run pipes script in to `<shell> -x` and waits for it to finish.
func (l LocalShell) Run(ctx context.Context, script string) (Output, error) {
	shell := l.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-x") // #nosec
	return RunCmd(cmd, script)
}

// RunCmd runs cmd with script on its STDIN, capturing its STDOUT and STDERR.
// A non-zero exit is reported in the returned Output, not as an error. This is
// shared by the Transports that work by spawning a process.
func RunCmd(cmd *exec.Cmd, script string) (Output, error) {
	var o, e bytes.Buffer
	cmd.Stdin = strings.NewReader(script)
	cmd.Stdout = &o
	cmd.Stderr = &e
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	out := Output{Stdout: o.String(), Stderr: e.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		out.ExitCode = -1
		return out, err
	}
	return out, nil
}
