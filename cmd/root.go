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

// this is the cobra file that enables subcommands and handles command-line args

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/VertebrateResequencing/stackup/cloud"
	"github.com/VertebrateResequencing/stackup/install"
	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
	"github.com/VertebrateResequencing/stackup/ssh"
	"github.com/VertebrateResequencing/stackup/store"
	"github.com/gofrs/uuid"
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
)

const (
	transportNative  = "native"
	transportOpenSSH = "openssh"
)

// appLogger is used for logging events in our commands
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var config internal.Config
var debug bool

// these are shared by some of the subcommands.
var address string
var installFlavor string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "stackup",
	Short: "stackup creates all-in-one OpenStack test clouds.",
	Long: `stackup creates all-in-one OpenStack test clouds.

It asks an existing OpenStack for a new server, waits for that server to become
reachable, then installs a complete OpenStack on it by running a script over
ssh.

Your OpenStack credentials are taken from the usual OS_* environment variables
(source your openrc file), or from the config file; see 'stackup conf'.

To create a cloud:
$ stackup deploy -i rhel-6.4

The address of the new cloud is printed when it is ready. Deployments are
recorded, so you can see them with:
$ stackup list

And get rid of them with:
$ stackup destroy [name]`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once to
// the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	// global flags
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "show debugging output, including the commands that get run")

	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	appLogger = internal.SetupLogging(debug)
	config = internal.ConfigLoad(appLogger)
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...interface{}) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}

// minutesContext returns a context that is cancelled after the given number
// of minutes, or never if minutes is 0 or less.
func minutesContext(minutes int) (context.Context, context.CancelFunc) {
	if minutes <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(minutes)*time.Minute)
}

// parseFlavor parses the --install option, falling back on the configured
// Install.
func parseFlavor() install.Flavor {
	name := installFlavor
	if name == "" {
		name = config.Install
	}
	flavor, err := install.ParseFlavor(name)
	if err != nil {
		die("%s", err)
	}
	return flavor
}

// installParams returns the install.Params our config specifies. If the
// flavor needs an admin password and none was configured, one is generated
// and reported.
func installParams(flavor install.Flavor) install.Params {
	p := install.DefaultParams()
	p.AdminPassword = config.AdminPassword
	p.CinderDevice = config.CinderDevice
	p.PackstackIndex = config.PackstackIndex
	p.CirrosURL = config.CirrosURL
	p.RHELRepo = config.RHELRepo
	p.RHELOptionalRepo = config.RHELOptionalRepo
	p.RHOSRepo = config.RHOSRepo
	p.EPELRelease = config.EPELRelease

	if config.TemplateDir != "" {
		p.Templates = os.DirFS(config.TemplateDir)
	}

	if p.AdminPassword == "" && flavor != install.Bare {
		p.AdminPassword = generatePassword()
		info("generated keystone admin password: %s", p.AdminPassword)
	}
	return p
}

// generatePassword returns a random string suitable as a password.
func generatePassword() string {
	u, err := uuid.NewV4()
	if err != nil {
		die("could not generate a password: %s", err)
	}
	return strings.Replace(u.String(), "-", "", -1)
}

// cloudConfig extracts the cloud credentials from our config.
func cloudConfig() cloud.Config {
	return cloud.Config{
		AuthURL:    config.AuthURL,
		Username:   config.Username,
		Password:   config.Password,
		TenantName: config.TenantName,
		TenantID:   config.TenantID,
		DomainName: config.DomainName,
		Region:     config.Region,
		PoolName:   config.PoolName,
	}
}

// provisioner authenticates with OpenStack and returns a Provisioner that
// uses it. Dies on error.
func provisioner() *cloud.Provisioner {
	compute, err := cloud.NewOpenStack(cloudConfig(), appLogger)
	if err != nil {
		die("could not connect to OpenStack: %s", err)
	}
	return cloud.NewProvisioner(compute, appLogger)
}

// openStore opens the deployment database. Dies on error.
func openStore() *store.DB {
	db, err := store.Open(config.DbPath())
	if err != nil {
		die("could not open the deployment database %s: %s", config.DbPath(), err)
	}
	return db
}

// sshConfig says how to reach addr according to our config.
func sshConfig(addr string) ssh.Config {
	return ssh.Config{
		Address: addr,
		Port:    config.SSHPort,
		User:    config.SSHUser,
		KeyFile: config.SSHKeyFile,
	}
}

// transport returns a script.Transport for the given batch target: a local
// shell, the ssh executable, or (if native is true or configured) our own ssh
// client. If our own client was used it is also returned, and must be closed
// when done with.
func transport(ctx context.Context, target script.Target, native bool) (script.Transport, *ssh.Client, error) {
	if target.IsLocal() {
		return script.LocalShell{}, nil, nil
	}

	switch {
	case native || config.SSHTransport == transportNative:
		client, err := ssh.Connect(ctx, sshConfig(target.Address), appLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("could not ssh to %s: %w", target.Address, err)
		}
		return client, client, nil
	case config.SSHTransport == transportOpenSSH:
		return openSSH(target.Address), nil, nil
	}
	return nil, nil, fmt.Errorf("sshtransport must be one of %s or %s, not %s", transportOpenSSH, transportNative, config.SSHTransport)
}

// openSSH returns an OpenSSH for addr according to our config.
func openSSH(addr string) ssh.OpenSSH {
	return ssh.OpenSSH{Config: sshConfig(addr), Binary: config.SSHBinary}
}

// target returns a local target if addr is empty, otherwise a remote one.
func target(addr string) script.Target {
	if addr == "" {
		return script.Local()
	}
	return script.Remote(addr)
}

// runBatch executes b over an appropriate transport, giving up after the
// configured ScriptTimeout. Dies on failure, reporting the script's stderr.
func runBatch(b *script.Batch) {
	ctx, cancel := minutesContext(config.ScriptTimeout)
	defer cancel()

	t, client, err := transport(ctx, b.Target(), false)
	if err != nil {
		die("%s", err)
	}
	if client != nil {
		defer internal.LogClose(appLogger, client, "ssh client")
	}

	if _, err = b.Execute(ctx, t); err != nil {
		reportScriptError(err)
		die("%s", err)
	}
}

// reportScriptError shows the tail of a failed script's stderr, which is
// where bash -x puts the command that failed.
func reportScriptError(err error) {
	var rerr *script.RemoteError
	if errors.As(err, &rerr) && rerr.Stderr != "" {
		lines := strings.Split(strings.TrimRight(rerr.Stderr, "\n"), "\n")
		if len(lines) > stderrTailLines {
			lines = lines[len(lines)-stderrTailLines:]
		}
		warn("end of the script's stderr:\n%s", strings.Join(lines, "\n"))
	}
}

// stderrTailLines is how much of a failed script's stderr we show.
const stderrTailLines = 20
