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
	"io"
	"os"
	"time"

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// listCmd represents the list command.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your deployments",
	Long: `List your deployments.

Every deployment made with 'stackup deploy' that hasn't since been destroyed is
shown, oldest first, including failed ones.`,
	Run: func(cmd *cobra.Command, args []string) {
		db := openStore()
		defer internal.LogClose(appLogger, db, "deployment database")

		ds, err := db.List()
		if err != nil {
			die("could not list deployments: %s", err)
		}
		if len(ds) == 0 {
			info("there are no deployments")
			return
		}
		renderDeployments(os.Stdout, ds)
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}

// renderDeployments writes a table of the given deployments to w.
func renderDeployments(w io.Writer, ds []*store.Deployment) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Install", "State", "Address", "Server", "Created", "Error"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, d := range ds {
		table.Append([]string{
			d.Name,
			d.Install,
			d.State,
			d.Address(),
			d.ServerID,
			d.Created.Format(time.RFC3339),
			d.Error,
		})
	}
	table.Render()
}
