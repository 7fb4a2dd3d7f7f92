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
Package store records the deployments stackup has made, so that later
invocations can list and destroy them.

It is a bbolt key/val store with deployments keyed on their name and encoded
with the binc codec.
*/
package store

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFilePerms  = 0600
	dbDirPerms   = 0700
	openTimeout  = 5 * time.Second
	cacheEntries = 32
)

var bucketDeployments = []byte("deployments")

// ErrNotFound is returned by Get and Delete when there is no deployment with
// the given name.
var ErrNotFound = errors.New("no such deployment")

// Deployment is the record of one attempt to create an all-in-one cloud.
type Deployment struct {
	Name         string
	ServerID     string
	FixedIP      string
	FloatingIP   string
	FloatingIPID string
	Image        string
	Flavor       string
	Install      string
	State        string
	Created      time.Time
	Finished     time.Time
	Error        string
}

// Address returns the address the deployment can be reached on.
func (d *Deployment) Address() string {
	if d.FloatingIP != "" {
		return d.FloatingIP
	}
	return d.FixedIP
}

// DB is an open deployment database.
type DB struct {
	bolt  *bolt.DB
	cache *lru.ARCCache
	ch    codec.Handle
}

// Open opens the database file at path, creating it and its directory if
// necessary. Only one process can have the database open at once; others
// will get an error after a few seconds.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerms); err != nil {
		return nil, err
	}

	boltdb, err := bolt.Open(path, dbFilePerms, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, err
	}

	err = boltdb.Update(func(tx *bolt.Tx) error {
		_, errc := tx.CreateBucketIfNotExists(bucketDeployments)
		return errc
	})
	if err != nil {
		boltdb.Close()
		return nil, err
	}

	// deployments get looked up repeatedly while they're being updated
	cache, err := lru.NewARC(cacheEntries)
	if err != nil {
		boltdb.Close()
		return nil, err
	}

	return &DB{bolt: boltdb, cache: cache, ch: new(codec.BincHandle)}, nil
}

// Put stores the deployment, replacing any with the same name.
func (db *DB) Put(d *Deployment) error {
	if d.Name == "" {
		return errors.New("deployment has no name")
	}

	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, db.ch)
	if err := enc.Encode(d); err != nil {
		return err
	}

	err := db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(d.Name), encoded)
	})
	if err != nil {
		return err
	}

	stored := *d
	db.cache.Add(d.Name, &stored)
	return nil
}

// Get returns the deployment with the given name.
func (db *DB) Get(name string) (*Deployment, error) {
	if cached, found := db.cache.Get(name); found {
		d := *cached.(*Deployment)
		return &d, nil
	}

	var d *Deployment
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeployments).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		var errd error
		d, errd = db.decode(v)
		return errd
	})
	if err != nil {
		return nil, err
	}

	stored := *d
	db.cache.Add(name, &stored)
	return d, nil
}

// List returns every deployment, oldest first.
func (db *DB) List() ([]*Deployment, error) {
	var ds []*Deployment
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			d, err := db.decode(v)
			if err != nil {
				return err
			}
			ds = append(ds, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Created.Before(ds[j].Created)
	})
	return ds, nil
}

// Delete removes the deployment with the given name.
func (db *DB) Delete(name string) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if b.Get([]byte(name)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	db.cache.Remove(name)
	return nil
}

// Close closes the database; it should be called before exiting.
func (db *DB) Close() error {
	return db.bolt.Close()
}

// decode decodes a stored deployment. v is only valid during a transaction,
// but decoding copies everything we need out of it.
func (db *DB) decode(v []byte) (*Deployment, error) {
	d := &Deployment{}
	dec := codec.NewDecoderBytes(v, db.ch)
	if err := dec.Decode(d); err != nil {
		return nil, err
	}
	return d, nil
}
