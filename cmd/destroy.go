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
	"context"

	"github.com/VertebrateResequencing/stackup/cloud"
	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/spf13/cobra"
)

var destroyReleaseIP bool

// destroyCmd represents the destroy command.
var destroyCmd = &cobra.Command{
	Use:   "destroy [name]",
	Short: "Delete a deployment's server",
	Long: `Delete a deployment's server.

The server created by 'stackup deploy' for the named deployment is deleted, and
the deployment is forgotten. Its floating IP is kept for reuse by your next
deployment unless you say --release-ip.

See 'stackup list' for the names of your deployments.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer internal.LogClose(appLogger, db, "deployment database")

		dep, err := db.Get(args[0])
		if err != nil {
			die("could not find deployment %s: %s", args[0], err)
		}

		inst := &cloud.Instance{
			ID:           dep.ServerID,
			Name:         dep.Name,
			FixedIP:      dep.FixedIP,
			FloatingIP:   dep.FloatingIP,
			FloatingIPID: dep.FloatingIPID,
		}
		if inst.ID != "" || (destroyReleaseIP && inst.FloatingIP != "") {
			if err = provisioner().Destroy(context.Background(), inst, destroyReleaseIP); err != nil {
				die("could not destroy deployment %s: %s", dep.Name, err)
			}
		}

		if err = db.Delete(dep.Name); err != nil {
			die("destroyed deployment %s but could not forget it: %s", dep.Name, err)
		}
		info("destroyed deployment %s", dep.Name)
	},
}

func init() {
	RootCmd.AddCommand(destroyCmd)

	// flags specific to this sub-command
	destroyCmd.Flags().BoolVar(&destroyReleaseIP, "release-ip", false, "also release the deployment's floating IP")
}
