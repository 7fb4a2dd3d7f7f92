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

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/VertebrateResequencing/stackup/internal"
	"github.com/VertebrateResequencing/stackup/script"
	"github.com/jpillora/backoff"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeCompute is an in-memory Compute. A server reports BUILD on the first
// poll, then ACTIVE with no address until addressAfter polls have been made.
// The first getErrs GetServer calls and the first associateErrs
// AssociateFloatingIP calls fail as if the API were unavailable.
type fakeCompute struct {
	keys           []string
	addressAfter   int
	polls          int
	getErrs        int
	getFailures    int
	gone           bool
	status         string
	fault          string
	fixedIP        string
	floatingIP     string
	fips           []FloatingIP
	allocated      int
	associated     map[string]string
	associateErrs  int
	associateCalls int
	created        []ServerRequest
	deleted        []string
	released       []string
	deleteErr      error
}

var errUnavailable = errors.New("503 service unavailable")

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		keys:         []string{"mykey"},
		addressAfter: 3,
		fixedIP:      "10.0.0.2",
		associated:   make(map[string]string),
	}
}

func (f *fakeCompute) KeyPairs(ctx context.Context) ([]string, error) {
	return f.keys, nil
}

func (f *fakeCompute) ResolveImage(ctx context.Context, ref string) (string, error) {
	if ref == "missing" {
		return "", ErrNotFound
	}
	return "img-" + ref, nil
}

func (f *fakeCompute) ResolveFlavor(ctx context.Context, ref string) (string, error) {
	return "flv-" + ref, nil
}

func (f *fakeCompute) CreateServer(ctx context.Context, req ServerRequest) (string, error) {
	f.created = append(f.created, req)
	return "srv-1", nil
}

func (f *fakeCompute) GetServer(ctx context.Context, id string) (*Server, error) {
	if f.gone {
		return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if f.getFailures < f.getErrs {
		f.getFailures++
		return nil, errUnavailable
	}
	f.polls++
	s := &Server{ID: id, Status: "BUILD"}
	switch {
	case f.status != "":
		s.Status = f.status
		s.Fault = f.fault
	case f.polls == 1 && f.addressAfter > 1:
	case f.polls < f.addressAfter:
		s.Status = StatusActive
	default:
		s.Status = StatusActive
		s.FixedIPs = []string{f.fixedIP}
		if f.floatingIP != "" {
			s.FloatingIPs = []string{f.floatingIP}
		}
	}
	return s, nil
}

func (f *fakeCompute) FloatingIPs(ctx context.Context) ([]FloatingIP, error) {
	return f.fips, nil
}

func (f *fakeCompute) AllocateFloatingIP(ctx context.Context) (FloatingIP, error) {
	f.allocated++
	fip := FloatingIP{ID: fmt.Sprintf("new-%d", f.allocated), IP: fmt.Sprintf("192.0.2.%d", 100+f.allocated)}
	f.fips = append(f.fips, fip)
	return fip, nil
}

func (f *fakeCompute) AssociateFloatingIP(ctx context.Context, serverID, ip string) error {
	f.associateCalls++
	if f.associateCalls <= f.associateErrs {
		return errUnavailable
	}
	f.associated[ip] = serverID
	return nil
}

func (f *fakeCompute) DeleteServer(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeCompute) ReleaseFloatingIP(ctx context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

// countingChecker is a PortChecker that succeeds on the given attempt, or
// never if that is 0.
type countingChecker struct {
	succeedOn int
	calls     int
}

func (c *countingChecker) check(ctx context.Context, address string, port int) error {
	c.calls++
	if c.succeedOn > 0 && c.calls >= c.succeedOn {
		return nil
	}
	return errors.New("connection refused")
}

// recorder is a script.Transport that remembers what it ran and succeeds.
type recorder struct {
	scripts []string
}

func (r *recorder) Run(ctx context.Context, s string) (script.Output, error) {
	r.scripts = append(r.scripts, s)
	return script.Output{Stdout: "done\n"}, nil
}

func states(inst *Instance) []State {
	var s []State
	for _, t := range inst.History {
		s = append(s, t.State)
	}
	return s
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	Convey("Poll stops as soon as the check succeeds", t, func() {
		calls := 0
		attempts, err := Poll(ctx, 30, time.Millisecond, func(ctx context.Context, attempt int) (bool, error) {
			calls++
			So(attempt, ShouldEqual, calls)
			return attempt == 5, nil
		})
		So(err, ShouldBeNil)
		So(attempts, ShouldEqual, 5)
		So(calls, ShouldEqual, 5)
	})

	Convey("Poll makes exactly maxAttempts checks before giving up", t, func() {
		calls := 0
		attempts, err := Poll(ctx, 7, time.Millisecond, func(ctx context.Context, attempt int) (bool, error) {
			calls++
			return false, nil
		})
		So(err, ShouldEqual, ErrExhausted)
		So(attempts, ShouldEqual, 7)
		So(calls, ShouldEqual, 7)
	})

	Convey("Poll stops on a check error", t, func() {
		boom := errors.New("boom")
		attempts, err := Poll(ctx, 7, time.Millisecond, func(ctx context.Context, attempt int) (bool, error) {
			if attempt == 2 {
				return false, boom
			}
			return false, nil
		})
		So(err, ShouldEqual, boom)
		So(attempts, ShouldEqual, 2)
	})

	Convey("Poll doesn't wait after the last attempt", t, func() {
		start := time.Now()
		_, err := Poll(ctx, 1, 2*time.Second, func(ctx context.Context, attempt int) (bool, error) {
			return false, nil
		})
		So(err, ShouldEqual, ErrExhausted)
		So(time.Since(start), ShouldBeLessThan, 1*time.Second)
	})

	Convey("Poll can be cancelled during a wait", t, func() {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		attempts, err := Poll(cctx, 30, 5*time.Second, func(ctx context.Context, attempt int) (bool, error) {
			return false, nil
		})
		So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		So(attempts, ShouldEqual, 1)
		So(time.Since(start), ShouldBeLessThan, 2*time.Second)
	})

	Convey("Poll makes no attempts with a done context", t, func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		attempts, err := Poll(cctx, 30, time.Millisecond, func(ctx context.Context, attempt int) (bool, error) {
			return true, nil
		})
		So(errors.Is(err, context.Canceled), ShouldBeTrue)
		So(attempts, ShouldEqual, 0)
	})

	Convey("retry tries again after errors, backing off in between", t, func() {
		b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
		calls := 0
		start := time.Now()
		err := retry(ctx, 5, b, func() error {
			calls++
			if calls < 3 {
				return errUnavailable
			}
			return nil
		})
		So(err, ShouldBeNil)
		So(calls, ShouldEqual, 3)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 30*time.Millisecond)

		Convey("It returns the last error once attempts are used up", func() {
			calls = 0
			err = retry(ctx, 4, b, func() error {
				calls++
				return errUnavailable
			})
			So(err, ShouldEqual, errUnavailable)
			So(calls, ShouldEqual, 4)
		})

		Convey("It gives up straight away on things that don't exist", func() {
			calls = 0
			err = retry(ctx, 4, b, func() error {
				calls++
				return fmt.Errorf("server srv-1: %w", ErrNotFound)
			})
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
			So(calls, ShouldEqual, 1)
		})

		Convey("It stops waiting when the context is done", func() {
			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			calls = 0
			start = time.Now()
			err = retry(cctx, 4, &backoff.Backoff{Min: 5 * time.Second, Max: 5 * time.Second}, func() error {
				calls++
				return errUnavailable
			})
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(calls, ShouldEqual, 1)
			So(time.Since(start), ShouldBeLessThan, 2*time.Second)
		})
	})
}

func TestProvisioner(t *testing.T) {
	ctx := context.Background()
	logger := internal.DiscardLogger()

	Convey("Given a Provisioner with a fake compute API", t, func() {
		compute := newFakeCompute()
		checker := &countingChecker{succeedOn: 2}
		p := NewProvisioner(compute, logger)
		p.PortChecker = checker.check
		p.errorBackoff = &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}

		Convey("WaitForPortOpen succeeds after exactly as many attempts as needed", func() {
			checker.succeedOn = 5
			attempts, err := p.WaitForPortOpen(ctx, "192.0.2.10", 22, 30, time.Millisecond)
			So(err, ShouldBeNil)
			So(attempts, ShouldEqual, 5)
			So(checker.calls, ShouldEqual, 5)
		})

		Convey("WaitForPortOpen times out after exactly maxAttempts", func() {
			checker.succeedOn = 0
			attempts, err := p.WaitForPortOpen(ctx, "192.0.2.10", 22, 30, time.Millisecond)
			So(err, ShouldNotBeNil)
			var terr *TimeoutError
			So(errors.As(err, &terr), ShouldBeTrue)
			So(terr.Attempts, ShouldEqual, 30)
			So(attempts, ShouldEqual, 30)
			So(checker.calls, ShouldEqual, 30)
			So(err.Error(), ShouldStartWith, "wait for port 22 on 192.0.2.10 timed out after 30 attempts")
		})

		Convey("CreateInstance refuses when there are no key pairs", func() {
			compute.keys = nil
			inst, err := p.CreateInstance(ctx, "test", "rhel", "3", "")
			So(inst, ShouldBeNil)
			var perr *ProvisionError
			So(errors.As(err, &perr), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "key pair")
			So(len(compute.created), ShouldEqual, 0)
		})

		Convey("CreateInstance refuses an unregistered key pair", func() {
			_, err := p.CreateInstance(ctx, "test", "rhel", "3", "otherkey")
			So(err, ShouldNotBeNil)
			So(len(compute.created), ShouldEqual, 0)
		})

		Convey("CreateInstance fails for an unknown image", func() {
			_, err := p.CreateInstance(ctx, "test", "missing", "3", "")
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})

		Convey("CreateInstance uses the first key pair by default", func() {
			inst, err := p.CreateInstance(ctx, "test", "rhel", "3", "")
			So(err, ShouldBeNil)
			So(inst.State, ShouldEqual, StateRequested)
			So(inst.ID, ShouldEqual, "srv-1")
			So(compute.created, ShouldResemble, []ServerRequest{{Name: "test", ImageID: "img-rhel", FlavorID: "flv-3", KeyPair: "mykey"}})

			Convey("WaitForActive polls until there's an address", func() {
				err = p.WaitForActive(ctx, inst, 30, time.Millisecond)
				So(err, ShouldBeNil)
				So(compute.polls, ShouldEqual, 3)
				So(inst.FixedIP, ShouldEqual, "10.0.0.2")
				So(inst.State, ShouldEqual, StateActiveAddressed)
				So(states(inst), ShouldResemble, []State{StateRequested, StateActiveNoAddress, StateActiveAddressed})

				Convey("EnsureFloatingIP reuses a free floating IP", func() {
					compute.fips = []FloatingIP{
						{ID: "1", IP: "192.0.2.9", InstanceID: "other"},
						{ID: "2", IP: "192.0.2.10"},
					}
					err = p.EnsureFloatingIP(ctx, inst)
					So(err, ShouldBeNil)
					So(inst.FloatingIP, ShouldEqual, "192.0.2.10")
					So(inst.FloatingIPID, ShouldEqual, "2")
					So(compute.associated["192.0.2.10"], ShouldEqual, "srv-1")
					So(compute.allocated, ShouldEqual, 0)
					So(inst.State, ShouldEqual, StateFloatingIPAttached)
					So(inst.Address(), ShouldEqual, "192.0.2.10")
				})

				Convey("EnsureFloatingIP allocates when none are free", func() {
					err = p.EnsureFloatingIP(ctx, inst)
					So(err, ShouldBeNil)
					So(compute.allocated, ShouldEqual, 1)
					So(inst.FloatingIP, ShouldEqual, "192.0.2.101")
					So(compute.associated["192.0.2.101"], ShouldEqual, "srv-1")
				})

				Convey("EnsureFloatingIP retries association while the server settles", func() {
					compute.associateErrs = 2
					err = p.EnsureFloatingIP(ctx, inst)
					So(err, ShouldBeNil)
					So(compute.associateCalls, ShouldEqual, 3)
					So(compute.associated["192.0.2.101"], ShouldEqual, "srv-1")
					So(inst.State, ShouldEqual, StateFloatingIPAttached)
				})

				Convey("EnsureFloatingIP fails once association retries are used up", func() {
					compute.associateErrs = 100
					err = p.EnsureFloatingIP(ctx, inst)
					var perr *ProvisionError
					So(errors.As(err, &perr), ShouldBeTrue)
					So(errors.Is(err, errUnavailable), ShouldBeTrue)
					So(compute.associateCalls, ShouldEqual, associateAttempts)
					So(inst.FloatingIP, ShouldBeEmpty)
					So(inst.State, ShouldEqual, StateFailed)
				})
			})

			Convey("WaitForActive carries on after a failed status request", func() {
				compute.getErrs = 1
				err = p.WaitForActive(ctx, inst, 30, time.Millisecond)
				So(err, ShouldBeNil)
				So(compute.getFailures, ShouldEqual, 1)
				So(compute.polls, ShouldEqual, 3)
				So(inst.State, ShouldEqual, StateActiveAddressed)
			})

			Convey("WaitForActive counts failed status requests as attempts", func() {
				compute.getErrs = 100
				err = p.WaitForActive(ctx, inst, 5, time.Millisecond)
				var terr *TimeoutError
				So(errors.As(err, &terr), ShouldBeTrue)
				So(terr.Attempts, ShouldEqual, 5)
				So(compute.getFailures, ShouldEqual, 5)
				So(inst.State, ShouldEqual, StateFailed)
			})

			Convey("WaitForActive fails fast if the server has gone", func() {
				compute.gone = true
				err = p.WaitForActive(ctx, inst, 30, time.Millisecond)
				var perr *ProvisionError
				So(errors.As(err, &perr), ShouldBeTrue)
				So(errors.Is(err, ErrNotFound), ShouldBeTrue)
				So(inst.State, ShouldEqual, StateFailed)
			})

			Convey("WaitForActive keeps an existing floating address, which EnsureFloatingIP then uses", func() {
				compute.floatingIP = "192.0.2.50"
				err = p.WaitForActive(ctx, inst, 30, time.Millisecond)
				So(err, ShouldBeNil)
				So(inst.FloatingIP, ShouldEqual, "192.0.2.50")
				err = p.EnsureFloatingIP(ctx, inst)
				So(err, ShouldBeNil)
				So(len(compute.associated), ShouldEqual, 0)
				So(compute.allocated, ShouldEqual, 0)
				So(inst.State, ShouldEqual, StateFloatingIPAttached)
			})

			Convey("WaitForActive times out if the address never comes", func() {
				compute.addressAfter = 100
				err = p.WaitForActive(ctx, inst, 4, time.Millisecond)
				var terr *TimeoutError
				So(errors.As(err, &terr), ShouldBeTrue)
				So(terr.Attempts, ShouldEqual, 4)
				So(compute.polls, ShouldEqual, 4)
				So(inst.State, ShouldEqual, StateFailed)
			})

			Convey("WaitForActive fails fast for a server in ERROR", func() {
				compute.status = StatusError
				compute.fault = "No valid host was found"
				err = p.WaitForActive(ctx, inst, 30, time.Millisecond)
				var perr *ProvisionError
				So(errors.As(err, &perr), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "No valid host was found")
				So(compute.polls, ShouldEqual, 1)
				So(inst.State, ShouldEqual, StateFailed)
			})

			Convey("A failed instance can't advance", func() {
				inst.fail()
				So(inst.advance(StateActiveNoAddress), ShouldNotBeNil)
				So(inst.State, ShouldEqual, StateFailed)
			})

			Convey("States can't be skipped", func() {
				So(inst.advance(StateReady), ShouldNotBeNil)
				So(inst.State, ShouldEqual, StateRequested)
			})
		})

		Convey("Destroy deletes the server and releases the floating IP", func() {
			inst := &Instance{ID: "srv-1", FloatingIP: "192.0.2.10"}
			compute.fips = []FloatingIP{{ID: "7", IP: "192.0.2.10", InstanceID: "srv-1"}}
			err := p.Destroy(ctx, inst, true)
			So(err, ShouldBeNil)
			So(compute.deleted, ShouldResemble, []string{"srv-1"})
			So(compute.released, ShouldResemble, []string{"7"})

			Convey("Ignoring servers that are already gone, but not other errors", func() {
				compute.deleteErr = fmt.Errorf("gone: %w", ErrNotFound)
				So(p.Destroy(ctx, inst, false), ShouldBeNil)

				compute.deleteErr = errors.New("forbidden")
				err = p.Destroy(ctx, inst, true)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "forbidden")
				So(len(compute.released), ShouldEqual, 2)
			})
		})
	})

	Convey("State names are readable", t, func() {
		So(StateActiveNoAddress.String(), ShouldEqual, "active (no address)")
		So(StateReady.String(), ShouldEqual, "ready")
		So(State(99).String(), ShouldEqual, "unknown (99)")
	})
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := internal.DiscardLogger()

	Convey("Provisioning then running a batch gives the floating IP", t, func() {
		compute := newFakeCompute()
		compute.fips = []FloatingIP{{ID: "fip-1", IP: "192.0.2.10"}}
		checker := &countingChecker{succeedOn: 2}
		p := NewProvisioner(compute, logger)
		p.PortChecker = checker.check

		inst, err := p.Provision(ctx, Request{
			Name:           "epel-1357924680",
			Image:          "rhel",
			Flavor:         "3",
			ActiveAttempts: 30,
			ActiveInterval: time.Millisecond,
			PortAttempts:   30,
			PortInterval:   time.Millisecond,
		})
		So(err, ShouldBeNil)
		So(compute.polls, ShouldEqual, 3)
		So(compute.associated["192.0.2.10"], ShouldEqual, "srv-1")
		So(checker.calls, ShouldEqual, 2)
		So(inst.State, ShouldEqual, StateReady)
		So(states(inst), ShouldResemble, []State{
			StateRequested, StateActiveNoAddress, StateActiveAddressed,
			StateFloatingIPAttached, StatePortReachable, StateReady,
		})

		b := script.NewBatch(script.Remote(inst.Address()), logger)
		b.AppendIfAbsent("/root/.ssh/id_rsa", "ssh-keygen -f /root/.ssh/id_rsa -N ''")
		b.Append("yum install -y git")
		b.Add(script.TemplateWrite{Dest: "/etc/motd", Content: "user=alice"})
		b.Append("echo done")
		So(b.Len(), ShouldEqual, 4)

		rec := &recorder{}
		_, err = b.Execute(ctx, rec)
		So(err, ShouldBeNil)
		So(len(rec.scripts), ShouldEqual, 1)
		lines := strings.Split(rec.scripts[0], "\n")
		So(lines[2], ShouldStartWith, "if [ ! -e '/root/.ssh/id_rsa' ]")
		So(lines[3], ShouldEqual, "yum install -y git")
		So(rec.scripts[0], ShouldContainSubstring, "user=alice")
		So(b.Target().String(), ShouldEqual, "192.0.2.10")
		So(inst.Address(), ShouldEqual, "192.0.2.10")
	})

	Convey("Provisioning fails if the port never opens", t, func() {
		compute := newFakeCompute()
		checker := &countingChecker{}
		p := NewProvisioner(compute, logger)
		p.PortChecker = checker.check

		inst, err := p.Provision(ctx, Request{
			Name:           "bare-1",
			Image:          "rhel",
			Flavor:         "3",
			ActiveAttempts: 5,
			ActiveInterval: time.Millisecond,
			PortAttempts:   3,
			PortInterval:   time.Millisecond,
		})
		var terr *TimeoutError
		So(errors.As(err, &terr), ShouldBeTrue)
		So(checker.calls, ShouldEqual, 3)
		So(inst, ShouldNotBeNil)
		So(inst.State, ShouldEqual, StateFailed)
	})
}
