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

// This file deals with packstack answer files, which are flat KEY=value text.

import (
	"strings"

	"github.com/VertebrateResequencing/stackup/script"
)

// sedReplacer escapes the characters that are special in the replacement part
// of a sed s command that uses / as its delimiter.
var sedReplacer = strings.NewReplacer(`\`, `\\`, `/`, `\/`, `&`, `\&`, "\n", `\n`)

func sedEscape(s string) string {
	return sedReplacer.Replace(s)
}

// PatchAnswer returns a command that replaces the line setting key in the
// answer file with one setting it to value. It is a textual replacement; the
// file is not parsed, and nothing happens if key isn't in it.
func PatchAnswer(key, value, file string) string {
	expr := "s/^" + key + "=.*/" + key + "=" + sedEscape(value) + "/"
	return "sed -i -e " + script.ShellQuote(expr) + " " + script.ShellQuote(file)
}

// patchAnswers appends a PatchAnswer() for each key and value pair.
func patchAnswers(b *script.Batch, file string, pairs [][2]string) {
	for _, kv := range pairs {
		b.Append(PatchAnswer(kv[0], kv[1], file))
	}
}
