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

package script

// This file contains the typed commands a Batch is made of, and the single
// renderer that turns them in to shell text.

import (
	"strings"

	"github.com/gofrs/uuid"
)

// trapPreamble makes the whole script exit with the status of the first
// command that fails.
const trapPreamble = "function t(){ exit $? ; }\ntrap t ERR"

// heredocPrefix is the start of every delimiter used for TemplateWrite
// here-documents; a unique suffix is added so that template content can never
// terminate the document early.
const heredocPrefix = "STACKUP_EOF_"

// Command is one logical step of a Batch. Only the renderer turns a Command in
// to shell text.
type Command interface {
	render(r *renderer) string
}

// RawCommand is shell text that is passed through untouched. The caller is
// responsible for its quoting.
type RawCommand struct {
	Text string
}

func (c RawCommand) render(r *renderer) string {
	return c.Text
}

// GuardedCommand runs Command only if Path exists (OnPresent true) or only if
// it doesn't (OnPresent false).
type GuardedCommand struct {
	Path      string
	Command   string
	OnPresent bool
}

func (c GuardedCommand) render(r *renderer) string {
	if c.OnPresent {
		// the else branch keeps the statement successful when there's nothing
		// to do
		return "if [ -e " + ShellQuote(c.Path) + " ]; then " + c.Command + "; else true; fi"
	}
	return "if [ ! -e " + ShellQuote(c.Path) + " ]; then " + c.Command + "; fi"
}

// TemplateWrite writes Content, which is the result of substituting Vars in
// to the template at Source, to Dest on the execution target.
type TemplateWrite struct {
	Source  string
	Dest    string
	Vars    map[string]string
	Content string
}

func (c TemplateWrite) render(r *renderer) string {
	delim := r.delimiter()
	if strings.HasSuffix(c.Content, "\n") {
		return "cat > " + ShellQuote(c.Dest) + " <<'" + delim + "'\n" + c.Content + delim
	}

	// a here-document always ends in a newline, so content without one goes
	// via a command substitution, which strips the newline we add
	return "printf '%s' \"$(cat <<'" + delim + "'\n" + c.Content + "\n" + delim + "\n)\" > " + ShellQuote(c.Dest)
}

// renderer turns Commands in to a single script.
type renderer struct {
	delimiter func() string
}

// newRenderer returns a renderer that makes unique here-document delimiters.
func newRenderer() *renderer {
	return &renderer{delimiter: uniqueDelimiter}
}

// render returns the trap preamble followed by every command in order,
// newline separated.
func (r *renderer) render(cmds []Command) string {
	lines := make([]string, 0, len(cmds)+1)
	lines = append(lines, trapPreamble)
	for _, cmd := range cmds {
		lines = append(lines, cmd.render(r))
	}
	return strings.Join(lines, "\n") + "\n"
}

func uniqueDelimiter() string {
	return heredocPrefix + strings.Replace(uuid.Must(uuid.NewV4()).String(), "-", "", -1)
}

// ShellQuote quotes s in single quotes for safe use as one shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
