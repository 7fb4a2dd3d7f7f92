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
Package script builds a shell script out of discrete install steps and runs it
as one unit, either locally or on a remote host.

    b := script.NewBatch(script.Remote("10.0.0.5"), logger)
    b.AppendIfAbsent("/root/.ssh/id_rsa", "ssh-keygen -f /root/.ssh/id_rsa -N ''")
    b.Append("yum install -y git")
    err := b.TemplateFile("repo.tmpl", "/etc/yum.repos.d/my.repo", map[string]string{"url": u})
    out, err := b.Execute(ctx, transport)

The script starts with an ERR trap, so the first failing command ends the run
with that command's exit status; nothing after it has any effect. A Batch can
only be executed once.
*/
package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/inconshreveable/log15"
)

// ErrConsumed is returned by Execute if the Batch was already executed.
var ErrConsumed = errors.New("batch has already been executed")

// Target is where a Batch gets executed: the local machine when Address is
// empty, otherwise the remote host with that address.
type Target struct {
	Address string
}

// Local returns the Target for the local machine.
func Local() Target {
	return Target{}
}

// Remote returns the Target for the host at the given address.
func Remote(address string) Target {
	return Target{Address: address}
}

// IsLocal tells you if this is the local Target.
func (t Target) IsLocal() bool {
	return t.Address == ""
}

func (t Target) String() string {
	if t.IsLocal() {
		return "local"
	}
	return t.Address
}

// Output is what a Transport captured from one script run.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Transport runs a complete script somewhere. It returns an error only when
// the script could not be run at all; a script that ran but failed is
// reported through Output.ExitCode.
type Transport interface {
	Run(ctx context.Context, script string) (Output, error)
}

// RemoteError is returned by Execute when the script exited non-zero, could
// not be run, or was cut short by its context.
type RemoteError struct {
	Target   string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script on %s failed: %s", e.Target, e.Err)
	}
	return fmt.Sprintf("script on %s exited with status %d", e.Target, e.ExitCode)
}

// Unwrap returns the underlying transport or context error, if any.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Batch is an ordered list of Commands that will be run as one script.
type Batch struct {
	target   Target
	commands []Command
	renderer *renderer
	executed bool
	log15.Logger
}

// NewBatch creates an empty Batch for the given Target.
func NewBatch(target Target, logger log15.Logger) *Batch {
	return &Batch{
		target:   target,
		renderer: newRenderer(),
		Logger:   logger.New("target", target.String()),
	}
}

// Target returns where this Batch will be executed.
func (b *Batch) Target() Target {
	return b.target
}

// Len returns how many commands have been appended.
func (b *Batch) Len() int {
	return len(b.commands)
}

// Commands returns a copy of the commands appended so far.
func (b *Batch) Commands() []Command {
	cmds := make([]Command, len(b.commands))
	copy(cmds, b.commands)
	return cmds
}

// Add appends an already constructed Command.
func (b *Batch) Add(cmd Command) {
	b.commands = append(b.commands, cmd)
}

// Append appends a line of shell. No syntax checking is done.
func (b *Batch) Append(text string) {
	b.Add(RawCommand{Text: text})
}

// AppendIfAbsent appends cmd such that it only runs if path does not exist at
// execution time.
func (b *Batch) AppendIfAbsent(path, cmd string) {
	b.Add(GuardedCommand{Path: path, Command: cmd})
}

// AppendIfPresent appends cmd such that it only runs if path exists at
// execution time. Otherwise the step is a successful no-op.
func (b *Batch) AppendIfPresent(path, cmd string) {
	b.Add(GuardedCommand{Path: path, Command: cmd, OnPresent: true})
}

// TemplateFile reads the local template file src, substitutes vars in to its
// %(name)s placeholders, and appends a command that writes the result to dst
// on the Target. Returns an error straight away if src can't be read or refers
// to a name not in vars.
func (b *Batch) TemplateFile(src, dst string, vars map[string]string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return b.addTemplate(src, string(content), dst, vars)
}

// TemplateFS is like TemplateFile, but reads the template called name from
// fsys.
func (b *Batch) TemplateFS(fsys fs.FS, name, dst string, vars map[string]string) error {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	return b.addTemplate(name, string(content), dst, vars)
}

func (b *Batch) addTemplate(src, text, dst string, vars map[string]string) error {
	rendered, err := Substitute(src, text, vars)
	if err != nil {
		return err
	}
	b.Add(TemplateWrite{Source: src, Dest: dst, Vars: vars, Content: rendered})
	return nil
}

// Render returns the script that Execute would run.
func (b *Batch) Render() string {
	return b.renderer.render(b.commands)
}

// Execute runs the whole Batch as a single script using the given Transport.
// It can only be called once. If any command fails, the script stops there and
// a *RemoteError is returned that holds the exit status and captured output.
func (b *Batch) Execute(ctx context.Context, transport Transport) (Output, error) {
	if b.executed {
		return Output{}, ErrConsumed
	}
	b.executed = true

	script := b.Render()
	b.Debug("executing script", "commands", len(b.commands))

	out, err := transport.Run(ctx, script)
	b.commands = nil
	if err != nil {
		return out, &RemoteError{Target: b.target.String(), ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, Err: err}
	}
	if out.ExitCode != 0 {
		b.Warn("script failed", "exit", out.ExitCode)
		return out, &RemoteError{Target: b.target.String(), ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, Err: ctx.Err()}
	}
	return out, nil
}
