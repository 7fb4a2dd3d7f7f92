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
	"fmt"
	"path/filepath"
	"time"

	"github.com/VertebrateResequencing/stackup/cloud"
	"github.com/VertebrateResequencing/stackup/install"
	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
	"github.com/VertebrateResequencing/stackup/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// keystonerc is where installs leave the admin credentials of the new cloud.
const keystonerc = "/root/keystonerc_admin"

// options for this cmd
var deployImage string
var deployFlavor string
var deployName string
var deployKeyPair string
var deployInteractive bool
var deployDryRun bool
var deployFetchRC bool

// deployCmd represents the deploy command.
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create a server and install OpenStack on it",
	Long: `Create a server and install OpenStack on it.

A new server is created in the OpenStack your credentials are for, using the
given image and flavor, and the first of your key pairs (or the one you
specify). Once the server is active, has a floating IP and is accepting ssh
connections, an install script is run on it as root.

The --install option picks what gets installed:
  bare:   only the RHEL and EPEL package repositories are set up
  epel:   OpenStack is installed from git using packstack's installer
  vendor: OpenStack is installed using the packstack RPM

When everything has succeeded, the server's address is printed. With -s you
are then given an interactive ssh session on it.

Every deployment is recorded, even failed ones, so you can use 'stackup
destroy' to get rid of the server afterwards.

--dry-run prints the script that would be run, without creating anything.`,
	Run: func(cmd *cobra.Command, args []string) {
		flavor := parseFlavor()
		params := installParams(flavor)

		if deployDryRun {
			b := script.NewBatch(script.Remote("0.0.0.0"), appLogger)
			if err := install.Build(flavor, b, params); err != nil {
				die("%s", err)
			}
			fmt.Println(b.Render())
			return
		}

		req := deployRequest(flavor)

		db := openStore()
		defer internal.LogClose(appLogger, db, "deployment database")
		if _, err := db.Get(req.Name); err == nil {
			die("there is already a deployment named %s", req.Name)
		}

		dep := &store.Deployment{
			Name:    req.Name,
			Image:   req.Image,
			Flavor:  req.Flavor,
			Install: string(flavor),
			State:   cloud.StateRequested.String(),
			Created: time.Now(),
		}
		save(db, dep)

		info("creating server %s", req.Name)
		ctx, cancel := minutesContext(config.ProvisionTimeout)
		inst, err := provisioner().Provision(ctx, req)
		cancel()
		recordInstance(dep, inst)
		if err != nil {
			fail(db, dep, err)
		}
		save(db, dep)

		addr := inst.Address()
		info("server %s is up at %s; running the %s install", inst.Name, addr, flavor)

		b := script.NewBatch(script.Remote(addr), appLogger)
		if err = install.Build(flavor, b, params); err != nil {
			fail(db, dep, err)
		}

		ctx, cancel = minutesContext(config.ScriptTimeout)
		defer cancel()
		t, client, err := transport(ctx, b.Target(), deployFetchRC)
		if err != nil {
			fail(db, dep, err)
		}
		if client != nil {
			defer internal.LogClose(appLogger, client, "ssh client")
		}

		if _, err = b.Execute(ctx, t); err != nil {
			reportScriptError(err)
			fail(db, dep, err)
		}

		if client != nil && deployFetchRC {
			dest := filepath.Join(config.StateDir, dep.Name+".keystonerc_admin")
			if err = client.Download(ctx, keystonerc, dest); err != nil {
				warn("could not download %s: %s", keystonerc, err)
			} else {
				info("admin credentials for the new cloud are in %s", dest)
			}
		}

		dep.Finished = time.Now()
		save(db, dep)

		fmt.Println(color.New(color.FgGreen, color.Bold).Sprint(addr))

		if deployInteractive {
			if err = openSSH(addr).Interactive(context.Background()); err != nil {
				die("ssh session ended badly: %s", err)
			}
		}
	},
}

func init() {
	RootCmd.AddCommand(deployCmd)

	// flags specific to this sub-command
	deployCmd.Flags().StringVarP(&deployImage, "image", "i", "", "ID, name or name prefix of the image to boot (defaults to config Image)")
	deployCmd.Flags().StringVarP(&deployFlavor, "flavor", "f", "", "ID or name of the server flavor (defaults to config Flavor)")
	deployCmd.Flags().StringVarP(&deployName, "name", "n", "", "name of the server (defaults to [install]-[unix time])")
	deployCmd.Flags().StringVarP(&installFlavor, "install", "t", "", "what to install: "+install.FlavorList()+" (defaults to config Install)")
	deployCmd.Flags().StringVarP(&deployKeyPair, "keypair", "k", "", "key pair to create the server with (defaults to config KeyPair, or your first)")
	deployCmd.Flags().BoolVarP(&deployInteractive, "ssh", "s", false, "ssh to the server once installation is complete")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "print the install script without creating anything")
	deployCmd.Flags().BoolVar(&deployFetchRC, "fetch-rc", false, "download keystonerc_admin from the new cloud in to the state directory")
}

// deployRequest returns the cloud.Request that our options and config
// describe.
func deployRequest(flavor install.Flavor) cloud.Request {
	req := cloud.Request{
		Name:           deployName,
		Image:          deployImage,
		Flavor:         deployFlavor,
		KeyPair:        deployKeyPair,
		Port:           config.SSHPort,
		ActiveAttempts: config.ActiveAttempts,
		ActiveInterval: time.Duration(config.ActiveInterval) * time.Second,
		PortAttempts:   config.PortAttempts,
		PortInterval:   time.Duration(config.PortInterval) * time.Second,
	}
	if req.Name == "" {
		req.Name = defaultName(flavor, time.Now())
	}
	if req.Image == "" {
		req.Image = config.Image
	}
	if req.Flavor == "" {
		req.Flavor = config.Flavor
	}
	if req.KeyPair == "" {
		req.KeyPair = config.KeyPair
	}
	if req.Image == "" {
		die("--image is required, or set Image in your config")
	}
	return req
}

// defaultName is the name a deployment gets if none was given.
func defaultName(flavor install.Flavor, t time.Time) string {
	return fmt.Sprintf("%s-%d", flavor, t.Unix())
}

// recordInstance copies what we know about inst to dep.
func recordInstance(dep *store.Deployment, inst *cloud.Instance) {
	if inst == nil {
		dep.State = cloud.StateFailed.String()
		return
	}
	dep.ServerID = inst.ID
	dep.FixedIP = inst.FixedIP
	dep.FloatingIP = inst.FloatingIP
	dep.FloatingIPID = inst.FloatingIPID
	dep.State = inst.State.String()
}

// save stores dep, warning if that isn't possible.
func save(db *store.DB, dep *store.Deployment) {
	if err := db.Put(dep); err != nil {
		warn("could not record deployment %s: %s", dep.Name, err)
	}
}

// markFailed records that dep failed with err.
func markFailed(db *store.DB, dep *store.Deployment, err error) {
	dep.State = cloud.StateFailed.String()
	dep.Error = err.Error()
	dep.Finished = time.Now()
	save(db, dep)
}

// fail records that dep failed with err, then dies.
func fail(db *store.DB, dep *store.Deployment, err error) {
	markFailed(db, dep, err)
	internal.LogClose(appLogger, db, "deployment database")
	if dep.ServerID != "" {
		warn("server %s was left for inspection; remove it with 'stackup destroy %s'", dep.ServerID, dep.Name)
	}
	die("deployment %s failed: %s", dep.Name, err)
}
