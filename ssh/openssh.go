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

package ssh

// This file contains the Transport that shells out to the ssh executable.

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
)

// DefaultBinary is the ssh executable used when none is configured.
const DefaultBinary = "ssh"

// fixedOptions are always passed to ssh: we never want to be prompted about
// host keys, never want to remember them, and only authenticate with keys.
var fixedOptions = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "PasswordAuthentication=no",
}

// OpenSSH is a script.Transport that runs scripts by piping them to
// `ssh user@address "bash -x"`.
type OpenSSH struct {
	Config
	Binary string // defaults to DefaultBinary
}

func (o OpenSSH) binary() string {
	if o.Binary == "" {
		return DefaultBinary
	}
	return o.Binary
}

// Args returns the arguments passed to the ssh executable, before the remote
// command, if any.
func (o OpenSSH) Args() []string {
	args := make([]string, 0, len(fixedOptions)+5)
	args = append(args, fixedOptions...)
	if o.KeyFile != "" {
		args = append(args, "-i", internal.TildaToHome(o.KeyFile))
	}
	if o.Port != 0 && o.Port != DefaultPort {
		args = append(args, "-p", strconv.Itoa(o.Port))
	}
	return append(args, o.user()+"@"+o.Address)
}

// Run implements script.Transport.
func (o OpenSSH) Run(ctx context.Context, s string) (script.Output, error) {
	args := append(o.Args(), remoteCommand)
	cmd := exec.CommandContext(ctx, o.binary(), args...) // #nosec
	return script.RunCmd(cmd, s)
}

// Interactive opens a login session on the host, attached to our own
// terminal, and returns when the user logs out.
func (o OpenSSH) Interactive(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, o.binary(), o.Args()...) // #nosec
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
