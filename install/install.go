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
Package install knows the steps needed to install OpenStack all-in-one on a
RHEL 6 host, and appends them to a script.Batch.

Which steps are used depends on the Flavor of install:

    bare    package repositories and EPEL only, for installing by hand
    epel    packstack and its installer from git, with dependencies from EPEL
    vendor  the latest packstack RPM from a vendor repository index

Steps are chosen once, by looking the Flavor up in the Registry:

    import "github.com/VertebrateResequencing/stackup/install"

    b := script.NewBatch(script.Remote(address), logger)
    params := install.DefaultParams()
    params.AdminPassword = "secret"
    err := install.Build(install.EPEL, b, params)
    _, err = b.Execute(ctx, transport)
*/
package install

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/VertebrateResequencing/stackup/script"
)

// Flavor selects a kind of install.
type Flavor string

// The flavors of install we support.
const (
	Bare   Flavor = "bare"
	EPEL   Flavor = "epel"
	Vendor Flavor = "vendor"
)

// Flavors returns every supported Flavor.
func Flavors() []Flavor {
	return []Flavor{Bare, EPEL, Vendor}
}

// ParseFlavor returns the Flavor with the given name.
func ParseFlavor(name string) (Flavor, error) {
	for _, f := range Flavors() {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown install flavor %q; must be one of %s", name, FlavorList())
}

// FlavorList returns the names of the supported Flavors, comma separated.
func FlavorList() string {
	names := make([]string, len(Flavors()))
	for i, f := range Flavors() {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// Params are the values install steps are parameterised with.
type Params struct {
	AdminPassword    string
	CinderDevice     string
	PackstackIndex   string
	CirrosURL        string
	RHELRepo         string
	RHELOptionalRepo string
	RHOSRepo         string
	EPELRelease      string

	// AnswerFile is where the vendor flavor writes packstack's answers.
	AnswerFile string

	// Templates holds the repository file templates.
	Templates fs.FS
}

// DefaultParams returns Params with everything except AdminPassword set to
// values that work in the Red Hat lab environment, and the built in
// templates.
func DefaultParams() Params {
	return Params{
		CinderDevice:     "/dev/vdb",
		PackstackIndex:   "http://10.16.16.34/rpms/RPMS/noarch",
		CirrosURL:        "https://launchpad.net/cirros/trunk/0.3.0/+download/cirros-0.3.0-x86_64-disk.img",
		RHELRepo:         "http://download.lab.bos.redhat.com/released/RHEL-6/6.3/Server/x86_64/os/",
		RHELOptionalRepo: "http://download.lab.bos.redhat.com/released/RHEL-6/6.3/Server/optional/x86_64/os/",
		RHOSRepo:         "http://download.lab.bos.redhat.com/rel-eng/OpenStack/Folsom/latest/x86_64/os/",
		EPELRelease:      "http://download.fedoraproject.org/pub/epel/6/i386/epel-release-6-7.noarch.rpm",
		AnswerFile:       "/tmp/ans.txt",
		Templates:        Templates(),
	}
}

// validate checks the Params that the steps of flavor need.
func (p Params) validate(flavor Flavor) error {
	if p.Templates == nil {
		return errors.New("no templates were supplied")
	}
	if p.RHELRepo == "" || p.RHELOptionalRepo == "" || p.EPELRelease == "" {
		return errors.New("RHEL repositories and EPEL release must be supplied")
	}
	if flavor == Bare {
		return nil
	}

	if p.AdminPassword == "" {
		return errors.New("an admin password must be supplied")
	}
	if p.CinderDevice == "" || p.CirrosURL == "" {
		return errors.New("a cinder device and cirros image URL must be supplied")
	}
	if flavor == EPEL && p.RHOSRepo == "" {
		return errors.New("the RHOS repository must be supplied")
	}
	if flavor == Vendor && (p.PackstackIndex == "" || p.AnswerFile == "") {
		return errors.New("a packstack index and answer file must be supplied")
	}
	return nil
}

// Step appends the commands for one stage of an install.
type Step func(b *script.Batch, p Params) error

// Registry maps each Flavor to its Steps, in the order they must run.
var Registry = map[Flavor][]Step{
	Bare: {
		repoFiles,
		epelRelease,
	},
	EPEL: {
		repoFiles,
		epelRelease,
		sshKeys,
		gitDependencies,
		cloneInstaller,
		cinderVolumes,
		installerAnswers,
		rhosRepo,
		installerRun,
		glanceCopyImage,
	},
	Vendor: {
		wget,
		sshKeys,
		cinderVolumes,
		packstackRPM,
		packstackAnswers,
		packstackRun,
		glanceUploadImage,
	},
}

// Build appends all the Steps of flavor to b.
func Build(flavor Flavor, b *script.Batch, p Params) error {
	steps, ok := Registry[flavor]
	if !ok {
		return fmt.Errorf("unknown install flavor %q; must be one of %s", flavor, FlavorList())
	}
	if err := p.validate(flavor); err != nil {
		return err
	}

	for _, step := range steps {
		if err := step(b, p); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall appends the commands that remove an all-in-one install.
func Uninstall(b *script.Batch) {
	b.Append(`yum remove -y "*openstack*" "*nova*" "*keystone*" "*glance*" "*cinder*" "*swift*" mysql mysql-server httpd`)
	b.Append("rm -rf /var/lib/mysql/ /var/lib/nova /etc/nova /etc/swift")
}
