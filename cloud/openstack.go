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

// This file contains the implementation of Compute for OpenStack.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/floatingips"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/pagination"
	"github.com/inconshreveable/log15"
	cache "github.com/patrickmn/go-cache"
)

const (
	lookupCacheExpiry  = 10 * time.Minute
	lookupCacheCleanup = 20 * time.Minute
	imageKeyPrefix     = "image:"
	flavorKeyPrefix    = "flavor:"
	addressTypeKey     = "OS-EXT-IPS:type"
	addressTypeFloat   = "floating"
	addressTypeFixed   = "fixed"
)

// OpenStack is a Compute that uses an OpenStack compute (nova) API.
type OpenStack struct {
	client   *gophercloud.ServiceClient
	poolName string
	lookups  *cache.Cache
	log15.Logger
}

// NewOpenStack authenticates with the identity service described by config
// and returns a Compute for the compute service in config.Region.
func NewOpenStack(config Config, logger log15.Logger) (*OpenStack, error) {
	if config.AuthURL == "" {
		return nil, errors.New("no OpenStack auth URL was configured")
	}
	if config.TenantID == "" && config.TenantName == "" {
		return nil, errors.New("either a tenant name or tenant ID must be configured")
	}

	provider, err := openstack.AuthenticatedClient(gophercloud.AuthOptions{
		IdentityEndpoint: config.AuthURL,
		Username:         config.Username,
		Password:         config.Password,
		TenantID:         config.TenantID,
		TenantName:       config.TenantName,
		DomainName:       config.DomainName,
		AllowReauth:      true,
	})
	if err != nil {
		return nil, err
	}

	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{
		Region: config.Region,
	})
	if err != nil {
		return nil, err
	}

	return newOpenStack(client, config.PoolName, logger), nil
}

// newOpenStack wraps an already authenticated compute client.
func newOpenStack(client *gophercloud.ServiceClient, poolName string, logger log15.Logger) *OpenStack {
	return &OpenStack{
		client:   client,
		poolName: poolName,
		lookups:  cache.New(lookupCacheExpiry, lookupCacheCleanup),
		Logger:   logger.New("cloud", "openstack"),
	}
}

// KeyPairs implements Compute.
func (o *OpenStack) KeyPairs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages, err := keypairs.List(o.client).AllPages()
	if err != nil {
		return nil, err
	}
	kps, err := keypairs.ExtractKeyPairs(pages)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(kps))
	for i, kp := range kps {
		names[i] = kp.Name
	}
	return names, nil
}

// ResolveImage implements Compute. An exact ID or name match is preferred
// over a prefix match.
func (o *OpenStack) ResolveImage(ctx context.Context, ref string) (string, error) {
	if id, found := o.lookups.Get(imageKeyPrefix + ref); found {
		return id.(string), nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var prefixMatch string
	err := images.ListDetail(o.client, images.ListOpts{}).EachPage(func(page pagination.Page) (bool, error) {
		imageList, err := images.ExtractImages(page)
		if err != nil {
			return false, err
		}

		for _, i := range imageList {
			o.lookups.Set(imageKeyPrefix+i.ID, i.ID, cache.DefaultExpiration)
			o.lookups.Set(imageKeyPrefix+i.Name, i.ID, cache.DefaultExpiration)
			if prefixMatch == "" && (strings.HasPrefix(i.Name, ref) || strings.HasPrefix(i.ID, ref)) {
				prefixMatch = i.ID
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	if id, found := o.lookups.Get(imageKeyPrefix + ref); found {
		return id.(string), nil
	}
	if prefixMatch != "" {
		return prefixMatch, nil
	}
	return "", fmt.Errorf("no OS image with prefix [%s] was found: %w", ref, ErrNotFound)
}

// ResolveFlavor implements Compute.
func (o *OpenStack) ResolveFlavor(ctx context.Context, ref string) (string, error) {
	if id, found := o.lookups.Get(flavorKeyPrefix + ref); found {
		return id.(string), nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	err := flavors.ListDetail(o.client, flavors.ListOpts{}).EachPage(func(page pagination.Page) (bool, error) {
		flavorList, err := flavors.ExtractFlavors(page)
		if err != nil {
			return false, err
		}

		for _, f := range flavorList {
			o.lookups.Set(flavorKeyPrefix+f.ID, f.ID, cache.DefaultExpiration)
			o.lookups.Set(flavorKeyPrefix+f.Name, f.ID, cache.DefaultExpiration)
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	if id, found := o.lookups.Get(flavorKeyPrefix + ref); found {
		return id.(string), nil
	}
	return "", fmt.Errorf("no flavor [%s] was found: %w", ref, ErrNotFound)
}

// CreateServer implements Compute.
func (o *OpenStack) CreateServer(ctx context.Context, req ServerRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	server, err := servers.Create(o.client, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:      req.Name,
			ImageRef:  req.ImageID,
			FlavorRef: req.FlavorID,
		},
		KeyName: req.KeyPair,
	}).Extract()
	if err != nil {
		return "", err
	}
	return server.ID, nil
}

// GetServer implements Compute.
func (o *OpenStack) GetServer(ctx context.Context, id string) (*Server, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := servers.Get(o.client, id).Extract()
	if err != nil {
		return nil, notFound(err)
	}

	server := &Server{
		ID:     s.ID,
		Name:   s.Name,
		Status: s.Status,
		Fault:  s.Fault.Message,
	}
	server.FixedIPs, server.FloatingIPs = parseAddresses(s.Addresses)
	return server, nil
}

// parseAddresses picks out the IPv4 fixed and floating addresses from a
// server's addresses, which look like:
// {"net": [{"addr": "10.0.0.2", "version": 4, "OS-EXT-IPS:type": "fixed"}]}
// Where the type isn't given, as with older nova-network, the first address
// on a network is fixed and any others are floating.
func parseAddresses(addresses map[string]interface{}) (fixed, floating []string) {
	networks := make([]string, 0, len(addresses))
	for name := range addresses {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	for _, name := range networks {
		entries, ok := addresses[name].([]interface{})
		if !ok {
			continue
		}

		for i, entry := range entries {
			details, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			addr, _ := details["addr"].(string)
			if addr == "" {
				continue
			}
			if version, ok := details["version"].(float64); ok && version != 4 {
				continue
			}

			addrType, _ := details[addressTypeKey].(string)
			switch {
			case addrType == addressTypeFloat:
				floating = append(floating, addr)
			case addrType == addressTypeFixed:
				fixed = append(fixed, addr)
			case i == 0:
				fixed = append(fixed, addr)
			default:
				floating = append(floating, addr)
			}
		}
	}
	return fixed, floating
}

// FloatingIPs implements Compute.
func (o *OpenStack) FloatingIPs(ctx context.Context) ([]FloatingIP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages, err := floatingips.List(o.client).AllPages()
	if err != nil {
		return nil, err
	}
	all, err := floatingips.ExtractFloatingIPs(pages)
	if err != nil {
		return nil, err
	}

	fips := make([]FloatingIP, len(all))
	for i, fip := range all {
		fips[i] = FloatingIP{ID: fip.ID, IP: fip.IP, InstanceID: fip.InstanceID, Pool: fip.Pool}
	}
	return fips, nil
}

// AllocateFloatingIP implements Compute, allocating from our pool.
func (o *OpenStack) AllocateFloatingIP(ctx context.Context) (FloatingIP, error) {
	if err := ctx.Err(); err != nil {
		return FloatingIP{}, err
	}

	fip, err := floatingips.Create(o.client, floatingips.CreateOpts{
		Pool: o.poolName,
	}).Extract()
	if err != nil {
		return FloatingIP{}, err
	}
	o.Debug("allocated floating IP", "ip", fip.IP, "pool", o.poolName)
	return FloatingIP{ID: fip.ID, IP: fip.IP, InstanceID: fip.InstanceID, Pool: fip.Pool}, nil
}

// AssociateFloatingIP implements Compute.
func (o *OpenStack) AssociateFloatingIP(ctx context.Context, serverID, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return floatingips.AssociateInstance(o.client, serverID, floatingips.AssociateOpts{
		FloatingIP: ip,
	}).ExtractErr()
}

// DeleteServer implements Compute.
func (o *OpenStack) DeleteServer(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return notFound(servers.Delete(o.client, id).ExtractErr())
}

// ReleaseFloatingIP implements Compute.
func (o *OpenStack) ReleaseFloatingIP(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return notFound(floatingips.Delete(o.client, id).ExtractErr())
}

// notFound wraps ErrNotFound around err if it is a 404.
func notFound(err error) error {
	if _, is404 := err.(gophercloud.ErrDefault404); is404 {
		return fmt.Errorf("%s: %w", err, ErrNotFound)
	}
	return err
}
