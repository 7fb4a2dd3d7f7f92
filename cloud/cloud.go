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
Package cloud creates the virtual machine an OpenStack all-in-one deployment
is installed on.

It talks to a compute API through the Compute interface, implemented for
OpenStack by NewOpenStack(), and drives a new instance through its life cycle
with a Provisioner:

    import "github.com/VertebrateResequencing/stackup/cloud"

    compute, err := cloud.NewOpenStack(cloud.Config{
        AuthURL:    "http://keystone.example.com:5000/v2.0",
        Username:   "admin",
        Password:   "secret",
        TenantName: "admin",
        Region:     "RegionOne",
        PoolName:   "nova",
    }, logger)
    p := cloud.NewProvisioner(compute, logger)
    inst, err := p.Provision(ctx, cloud.Request{
        Name:   "epel-1357924680",
        Image:  "rhel-6.3",
        Flavor: "3",
    })
    fmt.Println(inst.Address())

Credentials are only ever taken from the Config you supply.
*/
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is wrapped by errors from Compute methods when the resource
// concerned doesn't exist.
var ErrNotFound = errors.New("resource not found")

// Server status values we care about.
const (
	StatusActive = "ACTIVE"
	StatusError  = "ERROR"
)

// Config holds the credentials and settings needed to use a compute API.
type Config struct {
	AuthURL    string
	Username   string
	Password   string
	TenantName string
	TenantID   string
	DomainName string
	Region     string

	// PoolName is the network floating IPs are allocated from.
	PoolName string
}

// ServerRequest describes a server to be created.
type ServerRequest struct {
	Name     string
	ImageID  string
	FlavorID string
	KeyPair  string
}

// Server is the compute API's view of an instance.
type Server struct {
	ID          string
	Name        string
	Status      string
	Fault       string
	FixedIPs    []string
	FloatingIPs []string
}

// FloatingIP is an externally reachable address that can be attached to a
// server.
type FloatingIP struct {
	ID         string
	IP         string
	InstanceID string
	Pool       string
}

// Compute is the subset of a compute API that a Provisioner needs.
type Compute interface {
	// KeyPairs returns the names of the key pairs registered for the account.
	KeyPairs(ctx context.Context) ([]string, error)

	// ResolveImage returns the ID of the image with the given ID, name or
	// name prefix.
	ResolveImage(ctx context.Context, ref string) (string, error)

	// ResolveFlavor returns the ID of the flavor with the given ID or name.
	ResolveFlavor(ctx context.Context, ref string) (string, error)

	// CreateServer requests a new server and returns its ID.
	CreateServer(ctx context.Context, req ServerRequest) (string, error)

	// GetServer returns the current state of a server.
	GetServer(ctx context.Context, id string) (*Server, error)

	// FloatingIPs lists the account's allocated floating IPs.
	FloatingIPs(ctx context.Context) ([]FloatingIP, error)

	// AllocateFloatingIP allocates a new floating IP to the account.
	AllocateFloatingIP(ctx context.Context) (FloatingIP, error)

	// AssociateFloatingIP attaches a floating IP to a server.
	AssociateFloatingIP(ctx context.Context, serverID, ip string) error

	// DeleteServer destroys a server.
	DeleteServer(ctx context.Context, id string) error

	// ReleaseFloatingIP returns a floating IP to its pool.
	ReleaseFloatingIP(ctx context.Context, id string) error
}

// ProvisionError is returned when a step of provisioning fails for a reason
// other than running out of attempts.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a wait used up all its attempts without the
// awaited condition becoming true.
type TimeoutError struct {
	Op       string
	Attempts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d attempts %s apart", e.Op, e.Attempts, e.Interval)
}
