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

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/spf13/cobra"
)

// confCmd represents the conf command.
var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Show the current configuration",
	Long: `Show the current configuration.

Every option is shown with its value and where that value came from. Values
come from, in increasing order of precedence:
  the built in defaults
  $` + internal.ConfigDirEnvVar + `/.stackup_config.yml
  ~/.stackup_config.yml
  ./.stackup_config.yml
  environment variables named ` + internal.ConfigEnvPrefix + `_[OPTION], eg. ` + internal.ConfigEnvPrefix + `_FLAVOR

Credentials that are still unset after that are taken from the standard
OpenStack environment variables (OS_AUTH_URL, OS_USERNAME, OS_PASSWORD,
OS_TENANT_NAME or OS_PROJECT_NAME, etc.), so sourcing your openrc file is
usually all that is needed.

Config files are YAML, with lower-cased option names as keys, eg.:
image: rhel-6.4
flavor: m1.large
sshkeyfile: ~/.ssh/cloud_rsa

Passwords are not shown.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(config.String())
	},
}

func init() {
	RootCmd.AddCommand(confCmd)
}
