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

package cmd

import (
	"fmt"

	"github.com/VertebrateResequencing/stackup/install"
	"github.com/VertebrateResequencing/stackup/script"
	"github.com/spf13/cobra"
)

var runDryRun bool

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Install OpenStack on an existing machine",
	Long: `Install OpenStack on an existing machine.

This runs the same install script that 'stackup deploy' would, but on a machine
you already have: either the one at --address (which you must be able to ssh to
as the configured user), or, if no address is given, this one.

Running locally means running as root on a RHEL 6 machine you don't mind
turning in to an OpenStack all-in-one.`,
	Run: func(cmd *cobra.Command, args []string) {
		flavor := parseFlavor()
		b := script.NewBatch(target(address), appLogger)
		if err := install.Build(flavor, b, installParams(flavor)); err != nil {
			die("%s", err)
		}

		if runDryRun {
			fmt.Println(b.Render())
			return
		}

		info("running the %s install on %s", flavor, b.Target())
		runBatch(b)
		info("install complete")
	},
}

// uninstallCmd represents the uninstall command.
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove OpenStack from a machine",
	Long: `Remove OpenStack from a machine.

All OpenStack packages are removed and the databases and config directories
they used are deleted, from the machine at --address or, if no address is
given, this one.`,
	Run: func(cmd *cobra.Command, args []string) {
		b := script.NewBatch(target(address), appLogger)
		install.Uninstall(b)
		info("uninstalling OpenStack from %s", b.Target())
		runBatch(b)
		info("uninstall complete")
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(uninstallCmd)

	// flags specific to these sub-commands
	runCmd.Flags().StringVarP(&address, "address", "a", "", "address of the machine to install on (defaults to this one)")
	runCmd.Flags().StringVarP(&installFlavor, "install", "t", "", "what to install: "+install.FlavorList()+" (defaults to config Install)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "print the install script without running it")

	uninstallCmd.Flags().StringVarP(&address, "address", "a", "", "address of the machine to uninstall from (defaults to this one)")
}
