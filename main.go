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

/*
Package main is a stub for stackup's command line interface, with the actual
implementation in the cmd package.

stackup creates throwaway all-in-one OpenStack clouds for testing. It asks an
existing OpenStack for a server, waits for it to be reachable on a floating IP,
then runs an install script on it over ssh.

Basics

Source the openrc file of the OpenStack you want to create the server in, then:

    stackup deploy -i rhel-6.4 -f m1.large -t vendor

The address of the new cloud is printed once the install has finished.

Package Overview

The script package builds the shell scripts that do the installing: ordered
commands, optionally guarded on a file's existence, and files written from
templates, all run under an error trap so that the first failing command stops
the script.

The install package has the steps that make up each kind of install.

The cloud package creates the server and waits for it, through a Compute
interface implemented for OpenStack with gophercloud.

The ssh package runs scripts on the server, either with the ssh executable or
a native client.

The store package remembers deployments so they can be listed and destroyed.

The internal package contains general utility functions, and most notably
config.go holds the code for how the command line interface deals with config
options.
*/
package main

import (
	"github.com/VertebrateResequencing/stackup/cmd"
)

func main() {
	cmd.Execute()
}
