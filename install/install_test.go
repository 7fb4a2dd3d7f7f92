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

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
	. "github.com/smartystreets/goconvey/convey"
)

// shouldAppearInOrder checks that each of the expected strings is found in
// actual, each after the previous one.
func shouldAppearInOrder(actual interface{}, expected ...interface{}) string {
	text := actual.(string)
	pos := 0
	for _, e := range expected {
		s := e.(string)
		i := strings.Index(text[pos:], s)
		if i == -1 {
			return fmt.Sprintf("expected to find %q after position %d in:\n%s", s, pos, text)
		}
		pos += i + len(s)
	}
	return ""
}

func TestFlavors(t *testing.T) {
	Convey("Flavors can be parsed from their names", t, func() {
		for _, name := range []string{"bare", "epel", "vendor"} {
			f, err := ParseFlavor(name)
			So(err, ShouldBeNil)
			So(string(f), ShouldEqual, name)
		}

		_, err := ParseFlavor("rdo")
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "bare, epel, vendor")
	})

	Convey("Every flavor has steps", t, func() {
		for _, f := range Flavors() {
			So(len(Registry[f]), ShouldBeGreaterThan, 0)
		}
	})
}

func TestBuild(t *testing.T) {
	logger := internal.DiscardLogger()

	Convey("Given default params with a password", t, func() {
		p := DefaultParams()
		p.AdminPassword = "secret"
		b := script.NewBatch(script.Remote("192.0.2.10"), logger)

		Convey("A bare install only sets up package repositories", func() {
			err := Build(Bare, b, p)
			So(err, ShouldBeNil)
			cmds := b.Commands()
			So(len(cmds), ShouldEqual, 2)

			tw, ok := cmds[0].(script.TemplateWrite)
			So(ok, ShouldBeTrue)
			So(tw.Dest, ShouldEqual, "/etc/yum.repos.d/rhel-bos.repo")
			So(tw.Content, ShouldEqual, "[rhel-bos]\nname=rhel-bos\nbaseurl="+p.RHELRepo+
				"\nenabled=1\ngpgcheck=0\n\n[rhel-bos-opt]\nname=rhel-bos-opt\nbaseurl="+p.RHELOptionalRepo+
				"\nenabled=1\ngpgcheck=0\n")

			So(cmds[1], ShouldResemble, script.RawCommand{Text: "rpm -q epel-release-6-7 || rpm -Uvh '" + p.EPELRelease + "'"})
		})

		Convey("A bare install doesn't need a password", func() {
			p.AdminPassword = ""
			So(Build(Bare, b, p), ShouldBeNil)
		})

		Convey("An epel install uses packstack from git", func() {
			err := Build(EPEL, b, p)
			So(err, ShouldBeNil)
			So(b.Render(), shouldAppearInOrder,
				"rhel-bos.repo",
				"rpm -q epel-release-6-7",
				"if [ ! -e '/root/.ssh/id_rsa' ]; then ssh-keygen",
				"yum install -y git cracklib-python screen puppet",
				"if [ ! -e 'packstack' ]; then git clone -b cinder-support git://github.com/derekhiggins/packstack.git; fi",
				"if [ ! -e 'installer' ]; then git clone git://github.com/derekhiggins/installer.git; fi",
				`("https:\/\/github.com\/derekhiggins\/puppetlabs-swift.git", "swift", "jtopjian-puppetlabs-rebase"),`,
				"vgcreate cinder-volumes '/dev/vdb'",
				"cd installer",
				"python run_setup.py --gen-answer-file=ans.txt",
				"s/^CONFIG_KEYSTONE_ADMINPASSWD=.*/CONFIG_KEYSTONE_ADMINPASSWD=secret/",
				"s/^CONFIG_LIBVIRT_TYPE=.*/CONFIG_LIBVIRT_TYPE=qemu/",
				"folsom.repo",
				"python run_setup.py --answer-file=ans.txt",
				". ~/keystonerc_admin",
				"--copy-from '"+p.CirrosURL+"'",
			)
		})

		Convey("A vendor install uses the packstack RPM", func() {
			err := Build(Vendor, b, p)
			So(err, ShouldBeNil)
			So(b.Render(), shouldAppearInOrder,
				"if [ ! -e '/usr/bin/wget' ]; then yum install -y wget; fi",
				"ssh-keygen",
				"[ -e '/dev/vdb' ]",
				"if [ ! -e '/usr/bin/packstack' ]; then rpm=$(wget -q -O - 'http://10.16.16.34/rpms/RPMS/noarch'",
				"packstack --gen-answer-file='/tmp/ans.txt'",
				"sed -i -e 's/^CONFIG_SWIFT_INSTALL=.*/CONFIG_SWIFT_INSTALL=y/' '/tmp/ans.txt'",
				"rm -f ~/keystonerc_admin",
				"packstack --answer-file='/tmp/ans.txt'",
				"wget -c '"+p.CirrosURL+"' -O '/var/tmp/cirros-0.3.0-x86_64-disk.img'",
				"< '/var/tmp/cirros-0.3.0-x86_64-disk.img'",
			)
		})

		Convey("Installs other than bare need a password", func() {
			p.AdminPassword = ""
			So(Build(EPEL, b, p), ShouldNotBeNil)
			So(Build(Vendor, b, p), ShouldNotBeNil)
			So(b.Len(), ShouldEqual, 0)
		})

		Convey("Unknown flavors are rejected", func() {
			So(Build(Flavor("rdo"), b, p), ShouldNotBeNil)
		})

		Convey("Templates can come from elsewhere", func() {
			p.Templates = fstest.MapFS{
				"rhel-bos.repo": &fstest.MapFile{Data: []byte("baseurl=%(rhel_repo)s\n")},
			}
			err := Build(Bare, b, p)
			So(err, ShouldBeNil)
			So(b.Commands()[0].(script.TemplateWrite).Content, ShouldEqual, "baseurl="+p.RHELRepo+"\n")

			Convey("But must exist", func() {
				b2 := script.NewBatch(script.Local(), logger)
				So(Build(EPEL, b2, p), ShouldNotBeNil)
			})
		})
	})

	Convey("Uninstall removes packages and data", t, func() {
		b := script.NewBatch(script.Local(), logger)
		Uninstall(b)
		So(b.Render(), shouldAppearInOrder, `yum remove -y "*openstack*"`, "rm -rf /var/lib/mysql/")
	})

	Convey("The built in templates are available", t, func() {
		for _, name := range []string{"rhel-bos.repo", "folsom.repo"} {
			content, err := fs.ReadFile(Templates(), name)
			So(err, ShouldBeNil)
			So(string(content), ShouldContainSubstring, "%(")
		}
	})
}

func TestPatchAnswer(t *testing.T) {
	Convey("PatchAnswer makes a sed command", t, func() {
		So(PatchAnswer("CONFIG_SWIFT_INSTALL", "y", "/tmp/ans.txt"), ShouldEqual,
			"sed -i -e 's/^CONFIG_SWIFT_INSTALL=.*/CONFIG_SWIFT_INSTALL=y/' '/tmp/ans.txt'")
	})

	Convey("PatchAnswer replaces only the matching line, whatever the value", t, func() {
		tmpdir, err := os.MkdirTemp("", "stackup_install_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tmpdir)

		answers := filepath.Join(tmpdir, "ans.txt")
		original := "CONFIG_SWIFT_INSTALL=n\nCONFIG_KEYSTONE_ADMINPASSWD=abc\nOTHER_CONFIG_SWIFT_INSTALL=n\n"
		So(os.WriteFile(answers, []byte(original), 0600), ShouldBeNil)

		b := script.NewBatch(script.Local(), internal.DiscardLogger())
		b.Append(PatchAnswer("CONFIG_SWIFT_INSTALL", "y", answers))
		b.Append(PatchAnswer("CONFIG_KEYSTONE_ADMINPASSWD", `a/b&c'd\e`, answers))
		b.Append(PatchAnswer("CONFIG_NOT_THERE", "x", answers))
		_, err = b.Execute(context.Background(), script.LocalShell{})
		So(err, ShouldBeNil)

		content, err := os.ReadFile(answers)
		So(err, ShouldBeNil)
		So(string(content), ShouldEqual, "CONFIG_SWIFT_INSTALL=y\nCONFIG_KEYSTONE_ADMINPASSWD=a/b&c'd\\e\nOTHER_CONFIG_SWIFT_INSTALL=n\n")
	})
}
