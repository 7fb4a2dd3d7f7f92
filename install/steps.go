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

package install

// This file contains the Steps that make up the install flavors.

import (
	"path"
	"strings"

	"github.com/VertebrateResequencing/stackup/script"
)

const (
	packstackGit    = "git://github.com/derekhiggins/packstack.git"
	packstackBranch = "cinder-support"
	installerGit    = "git://github.com/derekhiggins/installer.git"
	puppetPlugin    = "packstack/plugins/puppet_950.py"
	installerAnswer = "ans.txt"
	cinderVG        = "cinder-volumes"
	keystonerc      = "~/keystonerc_admin"
	cirrosImageName = "cirros"
	epelPackage     = "epel-release-6-7"
	imageDownloadTo = "/var/tmp"
)

// puppetModuleOverrides point packstack at forks of puppet modules it needs.
var puppetModuleOverrides = []struct{ module, repo, branch string }{
	{"swift", "https://github.com/derekhiggins/puppetlabs-swift.git", "jtopjian-puppetlabs-rebase"},
	{"cinder", "https://github.com/derekhiggins/puppetlabs-cinder.git", "targets-conf"},
}

// repoFiles writes the yum repository file for RHEL and its optional
// channel.
func repoFiles(b *script.Batch, p Params) error {
	return b.TemplateFS(p.Templates, "rhel-bos.repo", "/etc/yum.repos.d/rhel-bos.repo", map[string]string{
		"rhel_repo":          p.RHELRepo,
		"rhel_optional_repo": p.RHELOptionalRepo,
	})
}

func epelRelease(b *script.Batch, p Params) error {
	b.Append("rpm -q " + epelPackage + " || rpm -Uvh " + script.ShellQuote(p.EPELRelease))
	return nil
}

// sshKeys makes sure root has a key pair that it can use to ssh to itself,
// which packstack needs.
func sshKeys(b *script.Batch, p Params) error {
	b.AppendIfAbsent("/root/.ssh/id_rsa", "ssh-keygen -t rsa -f /root/.ssh/id_rsa -N ''")
	b.Append("touch /root/.ssh/authorized_keys")
	b.Append(`grep -qxF "$(cat /root/.ssh/id_rsa.pub)" /root/.ssh/authorized_keys || cat /root/.ssh/id_rsa.pub >> /root/.ssh/authorized_keys`)
	return nil
}

func gitDependencies(b *script.Batch, p Params) error {
	b.Append("yum install -y git cracklib-python screen puppet")
	return nil
}

// cloneInstaller checks out packstack and its installer, pointing packstack
// at our puppet module forks.
func cloneInstaller(b *script.Batch, p Params) error {
	b.AppendIfAbsent("packstack", "git clone -b "+packstackBranch+" "+packstackGit)
	b.AppendIfAbsent("installer", "git clone "+installerGit)

	for _, o := range puppetModuleOverrides {
		replacement := `("` + o.repo + `", "` + o.module + `", "` + o.branch + `"),`
		expr := "s/.*puppetlabs-" + o.module + ".git.*/" + sedEscape(replacement) + "/g"
		b.Append("sed -i -e " + script.ShellQuote(expr) + " " + puppetPlugin)
	}
	return nil
}

// cinderVolumes creates the volume group cinder needs on the cinder device,
// which must exist.
func cinderVolumes(b *script.Batch, p Params) error {
	dev := script.ShellQuote(p.CinderDevice)
	b.Append("[ -e " + dev + " ]")
	b.Append("vgdisplay " + cinderVG + " > /dev/null 2>&1 || vgcreate " + cinderVG + " " + dev)
	return nil
}

// installerAnswers generates the installer's answer file and adjusts it for
// an all-in-one install. It leaves us in the installer directory.
func installerAnswers(b *script.Batch, p Params) error {
	b.Append("cd installer")
	b.Append(`sed -i -e 's/^DIR_PROJECT_DIR.*/DIR_PROJECT_DIR = "..\/packstack"/g' basedefs.py`)
	b.Append("python run_setup.py --gen-answer-file=" + installerAnswer)
	patchAnswers(b, installerAnswer, [][2]string{
		{"CONFIG_KEYSTONE_ADMINPASSWD", p.AdminPassword},
		{"CONFIG_LIBVIRT_TYPE", "qemu"},
		{"CONFIG_NOVA_COMPUTE_PRIVIF", "eth0"},
		{"CONFIG_NOVA_NETWORK_PRIVIF", "eth0"},
		{"CONFIG_SWIFT_INSTALL", "y"},
	})
	return nil
}

func rhosRepo(b *script.Batch, p Params) error {
	return b.TemplateFS(p.Templates, "folsom.repo", "/etc/yum.repos.d/folsom.repo", map[string]string{
		"rhos_repo": p.RHOSRepo,
	})
}

func installerRun(b *script.Batch, p Params) error {
	b.Append("python run_setup.py --answer-file=" + installerAnswer)
	return nil
}

// glanceCopyImage registers the cirros image, having glance fetch it.
func glanceCopyImage(b *script.Batch, p Params) error {
	b.Append(". " + keystonerc)
	b.Append("glance image-list | grep -q " + cirrosImageName + " || glance image-create --name " + cirrosImageName +
		" --disk-format qcow2 --container-format bare --is-public 1 --copy-from " + script.ShellQuote(p.CirrosURL))
	return nil
}

func wget(b *script.Batch, p Params) error {
	b.AppendIfAbsent("/usr/bin/wget", "yum install -y wget")
	return nil
}

// packstackRPM installs the most recent packstack RPM listed in the vendor
// repository index, unless packstack is already installed.
func packstackRPM(b *script.Batch, p Params) error {
	index := strings.TrimSuffix(p.PackstackIndex, "/")
	body := strings.Join([]string{
		"rpm=$(wget -q -O - " + script.ShellQuote(index) + ` | grep -o 'href="[^"]*\.rpm"' | sed -e 's/^href="//' -e 's/"$//' | tail -n 1)`,
		`[ -n "$rpm" ]`,
		`wget -O "/tmp/$(basename "$rpm")" ` + script.ShellQuote(index+"/") + `"$rpm"`,
		`rpm -i "/tmp/$(basename "$rpm")"`,
	}, "\n")
	b.AppendIfAbsent("/usr/bin/packstack", body)
	return nil
}

// packstackAnswers generates packstack's answer file and adjusts it for an
// all-in-one install.
func packstackAnswers(b *script.Batch, p Params) error {
	b.Append("packstack --gen-answer-file=" + script.ShellQuote(p.AnswerFile))
	patchAnswers(b, p.AnswerFile, [][2]string{
		{"CONFIG_KEYSTONE_ADMINPASSWD", p.AdminPassword},
		{"CONFIG_SWIFT_INSTALL", "y"},
		{"CONFIG_NOVA_COMPUTE_PRIVIF", "eth0"},
		{"CONFIG_NOVA_NETWORK_PRIVIF", "eth0"},
	})
	return nil
}

// packstackRun runs packstack, first removing any keystonerc_admin from a
// previous run so that a stale one can't be mistaken for success.
func packstackRun(b *script.Batch, p Params) error {
	b.Append("rm -f " + keystonerc)
	b.Append("packstack --answer-file=" + script.ShellQuote(p.AnswerFile))
	return nil
}

// glanceUploadImage downloads the cirros image and uploads it to glance.
func glanceUploadImage(b *script.Batch, p Params) error {
	local := script.ShellQuote(path.Join(imageDownloadTo, path.Base(p.CirrosURL)))
	b.Append(". " + keystonerc)
	b.Append("wget -c " + script.ShellQuote(p.CirrosURL) + " -O " + local)
	b.Append("glance image-list | grep -q " + cirrosImageName + " || glance image-create --name " + cirrosImageName +
		" --disk-format qcow2 --container-format bare --is-public 1 < " + local)
	return nil
}
