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
Package ssh runs scripts on remote hosts, authenticating only with
public-private keys.

There are two implementations of script.Transport here: OpenSSH, which spawns
the ssh executable with fixed options, and Client, which speaks the protocol
itself using golang.org/x/crypto/ssh and can also download files over sftp.
Both disable host key checking and never fall back to password
authentication.
*/
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
	"github.com/inconshreveable/log15"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultPort is the port sshd listens on.
const DefaultPort = 22

// DefaultUser is the user scripts are run as.
const DefaultUser = "root"

// dialTimeout is how long we wait for a connection to be established.
const dialTimeout = 15 * time.Second

// remoteCommand is what receives the script on its STDIN.
const remoteCommand = "bash -x"

// defaultKeyFiles are tried in order when no key file is configured.
var defaultKeyFiles = []string{"~/.ssh/id_rsa", "~/.ssh/id_dsa"}

// Config says how to reach a host.
type Config struct {
	Address string
	Port    int    // defaults to DefaultPort
	User    string // defaults to DefaultUser
	KeyFile string // private key; defaults to the first of ~/.ssh/id_rsa and ~/.ssh/id_dsa that can be read
}

func (c Config) port() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

func (c Config) user() string {
	if c.User == "" {
		return DefaultUser
	}
	return c.User
}

// hostAndPort returns the address suitable for dialling.
func (c Config) hostAndPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.port()))
}

// signer reads and parses the private key we'll authenticate with.
func (c Config) signer() (ssh.Signer, error) {
	candidates := defaultKeyFiles
	if c.KeyFile != "" {
		candidates = []string{c.KeyFile}
	}

	var lastErr error
	for _, path := range candidates {
		buf, err := os.ReadFile(internal.TildaToHome(path))
		if err != nil {
			lastErr = err
			continue
		}
		key, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key file %s: %s", path, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("failed to get your ssh key file: %s", lastErr)
}

// clientConfig makes the config needed to authenticate when dialling.
func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	key, err := c.signer()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.user(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // freshly created servers have unknown host keys
		Timeout:         dialTimeout,
	}, nil
}

// Client is a connection to a remote host that can run scripts and download
// files. It implements script.Transport.
type Client struct {
	config Config
	client *ssh.Client
	log15.Logger
}

// Connect dials the host described by config.
func Connect(ctx context.Context, config Config, logger log15.Logger) (*Client, error) {
	cc, err := config.clientConfig()
	if err != nil {
		return nil, err
	}

	client, err := dial(ctx, config.hostAndPort(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to ssh to %s: %s", config.hostAndPort(), err)
	}

	return &Client{
		config: config,
		client: client,
		Logger: logger.New("ssh", config.hostAndPort()),
	}, nil
}

// sshDial makes the actual connection in dial.
var sshDial = ssh.Dial

// dial calls ssh.Dial() and enforces the config's timeout, which ssh.Dial()
// doesn't always seem to obey, and our context. A connection that only
// completes after we've given up on it is closed.
func dial(ctx context.Context, addr string, cc *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		client, err := sshDial("tcp", addr, cc)
		resultCh <- result{client, err}
	}()

	abandon := func() {
		go func() {
			if r := <-resultCh; r.client != nil {
				r.client.Close()
			}
		}()
	}

	timer := time.NewTimer(cc.Timeout + 1*time.Second)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.client, r.err
	case <-timer.C:
		abandon()
		return nil, errors.New("connection could not be established")
	case <-ctx.Done():
		abandon()
		return nil, errors.New("connection attempt cancelled")
	}
}

// Run pipes script in to `bash -x` on the remote host. A non-zero exit status
// is reported in the returned Output. If ctx is done before the script
// finishes, the remote process is signalled and the session closed.
func (c *Client) Run(ctx context.Context, s string) (script.Output, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return script.Output{ExitCode: -1}, fmt.Errorf("failed to create session: %s", err)
	}
	defer internal.LogClose(c.Logger, session, "script session")

	var o, e bytes.Buffer
	session.Stdin = strings.NewReader(s)
	session.Stdout = &o
	session.Stderr = &e

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			c.Warn("script cancelled", "err", ctx.Err())
			if errs := session.Signal(ssh.SIGKILL); errs != nil {
				c.Debug("signalling remote script failed", "err", errs)
			}
			if errc := session.Close(); errc != nil {
				c.Debug("closing session failed", "err", errc)
			}
		case <-finished:
		}
	}()

	err = session.Run(remoteCommand)
	out := script.Output{Stdout: o.String(), Stderr: e.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		out.ExitCode = -1
		if ctx.Err() != nil {
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// Download copies the remote file at source to the local path dest, which is
// made readable by the current user only. If ctx is done first, the copy is
// stopped and nothing more is written to dest once we return.
func (c *Client) Download(ctx context.Context, source, dest string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return err
	}
	var closeOnce sync.Once
	closeClient := func() {
		closeOnce.Do(func() {
			internal.LogClose(c.Logger, client, "download client", "source", source)
		})
	}
	defer closeClient()

	sourceFile, err := client.Open(source)
	if err != nil {
		return err
	}

	destFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		internal.LogClose(c.Logger, sourceFile, "download source", "source", source)
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, errc := io.Copy(destFile, sourceFile)
		done <- errc
	}()

	select {
	case err = <-done:
		internal.LogClose(c.Logger, sourceFile, "download source", "source", source)
	case <-ctx.Done():
		err = ctx.Err()

		// closing the sftp client fails any read in flight, so the copy ends
		// and destFile is no longer in use
		closeClient()
		<-done
	}

	if errc := destFile.Close(); err == nil {
		err = errc
	}
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
