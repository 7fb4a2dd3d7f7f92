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

package cloud

// This file contains the Provisioner, which takes one instance from being
// requested to being ready to accept scripts.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
)

// State is the stage in its life cycle an Instance has reached.
type State int

// The states an Instance moves through, in order. StateFailed can follow any
// other state, and is terminal.
const (
	StateRequested State = iota
	StateActiveNoAddress
	StateActiveAddressed
	StateFloatingIPAttached
	StatePortReachable
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateRequested:          "requested",
	StateActiveNoAddress:    "active (no address)",
	StateActiveAddressed:    "active (addressed)",
	StateFloatingIPAttached: "floating IP attached",
	StatePortReachable:      "port reachable",
	StateReady:              "ready",
	StateFailed:             "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown (" + strconv.Itoa(int(s)) + ")"
}

// Transition records when an Instance entered a State.
type Transition struct {
	State State
	At    time.Time
}

// Instance is a server being provisioned.
type Instance struct {
	ID           string
	Name         string
	ImageID      string
	FlavorID     string
	KeyPair      string
	FixedIP      string
	FloatingIP   string
	FloatingIPID string
	State        State
	History      []Transition
}

// Address returns the address the instance should be reached on: its
// floating IP if it has one, otherwise its fixed IP.
func (i *Instance) Address() string {
	if i.FloatingIP != "" {
		return i.FloatingIP
	}
	return i.FixedIP
}

// advance moves the instance to the given state, which must be the next one
// in sequence, or StateFailed from any non-terminal state.
func (i *Instance) advance(to State) error {
	if i.State == StateFailed || (to != StateFailed && to != i.State+1) {
		return fmt.Errorf("instance %s can't go from %s to %s", i.Name, i.State, to)
	}
	i.State = to
	i.History = append(i.History, Transition{State: to, At: time.Now()})
	return nil
}

// fail moves the instance to StateFailed, unless it's already there.
func (i *Instance) fail() {
	if i.State != StateFailed {
		i.State = StateFailed
		i.History = append(i.History, Transition{State: StateFailed, At: time.Now()})
	}
}

// PortChecker returns nil if a TCP connection could be made to port on
// address.
type PortChecker func(ctx context.Context, address string, port int) error

// DialPort is the default PortChecker; it tries to connect, giving up after
// timeout.
func DialPort(timeout time.Duration) PortChecker {
	return func(ctx context.Context, address string, port int) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// associateAttempts is how many times we try to attach a floating IP, which
// can fail while a new server's networking is still settling.
const associateAttempts = 4

// associateMaxWait is the longest we wait between association attempts.
const associateMaxWait = 15 * time.Second

// defaultDialTimeout bounds each connection attempt of the default
// PortChecker.
const defaultDialTimeout = 5 * time.Second

// Request describes the instance Provision() should make and how long to wait
// for it.
type Request struct {
	Name    string
	Image   string // ID, name or name prefix
	Flavor  string // ID or name
	KeyPair string // defaults to the first the account has
	Port    int    // the port that must be open for the instance to be ready

	ActiveAttempts int
	ActiveInterval time.Duration
	PortAttempts   int
	PortInterval   time.Duration
}

// Provisioner creates instances and waits for them to become usable.
type Provisioner struct {
	compute      Compute
	PortChecker  PortChecker
	errorBackoff *backoff.Backoff
	log15.Logger
}

// NewProvisioner returns a Provisioner that will use the given compute API,
// checking ports by dialling them.
func NewProvisioner(compute Compute, logger log15.Logger) *Provisioner {
	return &Provisioner{
		compute:     compute,
		PortChecker: DialPort(defaultDialTimeout),
		errorBackoff: &backoff.Backoff{
			Min:    1 * time.Second,
			Max:    associateMaxWait,
			Factor: 2,
			Jitter: true,
		},
		Logger: logger.New("provisioner", "cloud"),
	}
}

// CreateInstance asks for a new server and returns it in StateRequested.
// Instances can only be created with a key pair, since that is how scripts
// are later run on them; if the account has none a ProvisionError is
// returned. An empty keyPair uses the account's first.
func (p *Provisioner) CreateInstance(ctx context.Context, name, image, flavor, keyPair string) (*Instance, error) {
	op := "create instance " + name

	keys, err := p.compute.KeyPairs(ctx)
	if err != nil {
		return nil, &ProvisionError{Op: op, Err: err}
	}
	if len(keys) == 0 {
		return nil, &ProvisionError{Op: op, Err: errors.New("you have to add at least one key pair (hint: nova keypair-add)")}
	}
	if keyPair == "" {
		keyPair = keys[0]
	} else if !contains(keys, keyPair) {
		return nil, &ProvisionError{Op: op, Err: fmt.Errorf("key pair %s is not registered", keyPair)}
	}

	imageID, err := p.compute.ResolveImage(ctx, image)
	if err != nil {
		return nil, &ProvisionError{Op: op, Err: err}
	}
	flavorID, err := p.compute.ResolveFlavor(ctx, flavor)
	if err != nil {
		return nil, &ProvisionError{Op: op, Err: err}
	}

	id, err := p.compute.CreateServer(ctx, ServerRequest{
		Name:     name,
		ImageID:  imageID,
		FlavorID: flavorID,
		KeyPair:  keyPair,
	})
	if err != nil {
		return nil, &ProvisionError{Op: op, Err: err}
	}

	inst := &Instance{
		ID:       id,
		Name:     name,
		ImageID:  imageID,
		FlavorID: flavorID,
		KeyPair:  keyPair,
		State:    StateRequested,
		History:  []Transition{{State: StateRequested, At: time.Now()}},
	}
	p.Info("instance requested", "name", name, "id", id, "image", imageID, "flavor", flavorID, "keypair", keyPair)
	return inst, nil
}

// WaitForActive polls the server until it is ACTIVE and has a fixed address,
// which is recorded on inst. A server in ERROR gives a ProvisionError; using
// up maxAttempts gives a TimeoutError.
func (p *Provisioner) WaitForActive(ctx context.Context, inst *Instance, maxAttempts int, interval time.Duration) error {
	op := "wait for instance " + inst.Name + " to become active"

	attempts, err := Poll(ctx, maxAttempts, interval, func(ctx context.Context, attempt int) (bool, error) {
		server, err := p.compute.GetServer(ctx, inst.ID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrNotFound) {
				return false, err
			}
			// the API being briefly unavailable only costs us this attempt
			p.Warn("failed to get instance status", "name", inst.Name, "attempt", attempt, "err", err)
			return false, nil
		}
		p.Debug("polled instance", "name", inst.Name, "attempt", attempt, "status", server.Status)

		switch server.Status {
		case StatusError:
			msg := server.Fault
			if msg == "" {
				msg = "the server is in ERROR state following an unknown problem"
			}
			return false, errors.New(msg)
		case StatusActive:
		default:
			return false, nil
		}

		if inst.State == StateRequested {
			if erra := inst.advance(StateActiveNoAddress); erra != nil {
				return false, erra
			}
		}

		if len(server.FixedIPs) == 0 {
			return false, nil
		}
		inst.FixedIP = server.FixedIPs[0]
		if len(server.FloatingIPs) > 0 {
			inst.FloatingIP = server.FloatingIPs[0]
		}
		return true, inst.advance(StateActiveAddressed)
	})

	return p.pollResult(inst, op, attempts, interval, err)
}

// EnsureFloatingIP gives the instance a floating IP. If it already has one,
// that is kept. Otherwise an unattached floating IP is reused, or failing
// that a new one is allocated, and attached to the instance.
func (p *Provisioner) EnsureFloatingIP(ctx context.Context, inst *Instance) error {
	op := "attach floating IP to " + inst.Name

	if inst.FloatingIP == "" {
		fip, err := p.availableFloatingIP(ctx)
		if err != nil {
			inst.fail()
			return &ProvisionError{Op: op, Err: err}
		}

		// there's a race between finding a free floating IP and using it, but
		// we only ever provision one instance at a time
		err = retry(ctx, associateAttempts, p.errorBackoff, func() error {
			erra := p.compute.AssociateFloatingIP(ctx, inst.ID, fip.IP)
			if erra != nil {
				p.Warn("failed to attach floating IP", "name", inst.Name, "ip", fip.IP, "err", erra)
			}
			return erra
		})
		if err != nil {
			inst.fail()
			return &ProvisionError{Op: op, Err: err}
		}
		inst.FloatingIP = fip.IP
		inst.FloatingIPID = fip.ID
		p.Info("floating IP attached", "name", inst.Name, "ip", fip.IP)
	} else {
		p.Debug("instance already has a floating IP", "name", inst.Name, "ip", inst.FloatingIP)
	}

	if err := inst.advance(StateFloatingIPAttached); err != nil {
		inst.fail()
		return &ProvisionError{Op: op, Err: err}
	}
	return nil
}

// availableFloatingIP gets an unused floating IP, or allocates one.
func (p *Provisioner) availableFloatingIP(ctx context.Context) (FloatingIP, error) {
	fips, err := p.compute.FloatingIPs(ctx)
	if err != nil {
		return FloatingIP{}, err
	}
	for _, fip := range fips {
		if fip.InstanceID == "" {
			return fip, nil
		}
	}
	return p.compute.AllocateFloatingIP(ctx)
}

// WaitForPortOpen polls until a TCP connection can be made to port on
// address, returning a TimeoutError if that never happens in maxAttempts.
func (p *Provisioner) WaitForPortOpen(ctx context.Context, address string, port, maxAttempts int, interval time.Duration) (int, error) {
	attempts, err := Poll(ctx, maxAttempts, interval, func(ctx context.Context, attempt int) (bool, error) {
		errc := p.PortChecker(ctx, address, port)
		if errc != nil {
			p.Debug("port not yet open", "address", address, "port", port, "attempt", attempt, "err", errc)
			return false, nil
		}
		return true, nil
	})

	op := "wait for port " + strconv.Itoa(port) + " on " + address
	switch {
	case err == ErrExhausted:
		return attempts, &TimeoutError{Op: op, Attempts: attempts, Interval: interval}
	case err != nil:
		return attempts, &ProvisionError{Op: op, Err: err}
	}
	return attempts, nil
}

// Provision takes a new instance all the way from being requested to being
// ready. The returned Instance is non-nil whenever a server was created, even
// if a later step failed, so that it can be destroyed.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Instance, error) {
	inst, err := p.CreateInstance(ctx, req.Name, req.Image, req.Flavor, req.KeyPair)
	if err != nil {
		return nil, err
	}

	if err = p.WaitForActive(ctx, inst, req.ActiveAttempts, req.ActiveInterval); err != nil {
		return inst, err
	}

	if err = p.EnsureFloatingIP(ctx, inst); err != nil {
		return inst, err
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	if _, err = p.WaitForPortOpen(ctx, inst.FloatingIP, port, req.PortAttempts, req.PortInterval); err != nil {
		inst.fail()
		return inst, err
	}
	if err = inst.advance(StatePortReachable); err != nil {
		inst.fail()
		return inst, &ProvisionError{Op: "provision " + inst.Name, Err: err}
	}

	if err = inst.advance(StateReady); err != nil {
		inst.fail()
		return inst, &ProvisionError{Op: "provision " + inst.Name, Err: err}
	}
	p.Info("instance ready", "name", inst.Name, "address", inst.Address())
	return inst, nil
}

// Destroy deletes the instance's server and, if releaseIP, its floating IP.
// Both are attempted; errors for things that are already gone are ignored.
func (p *Provisioner) Destroy(ctx context.Context, inst *Instance, releaseIP bool) error {
	var merr *multierror.Error

	if inst.ID != "" {
		merr = combineError(merr, p.compute.DeleteServer(ctx, inst.ID))
	}

	if releaseIP && inst.FloatingIP != "" {
		id := inst.FloatingIPID
		if id == "" {
			fips, err := p.compute.FloatingIPs(ctx)
			merr = combineError(merr, err)
			for _, fip := range fips {
				if fip.IP == inst.FloatingIP {
					id = fip.ID
					break
				}
			}
		}
		if id != "" {
			merr = combineError(merr, p.compute.ReleaseFloatingIP(ctx, id))
		}
	}

	return merr.ErrorOrNil()
}

// pollResult converts the result of Poll() in to the errors we return,
// failing the instance if there was one.
func (p *Provisioner) pollResult(inst *Instance, op string, attempts int, interval time.Duration, err error) error {
	if err == nil {
		return nil
	}
	inst.fail()
	if err == ErrExhausted {
		return &TimeoutError{Op: op, Attempts: attempts, Interval: interval}
	}
	return &ProvisionError{Op: op, Err: err}
}

// combineError Append()s the given err on merr, but ignores err if it is
// because the resource was not found.
func combineError(merr *multierror.Error, err error) *multierror.Error {
	if err != nil && !errors.Is(err, ErrNotFound) {
		merr = multierror.Append(merr, err)
	}
	return merr
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
