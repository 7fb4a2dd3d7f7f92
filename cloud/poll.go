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

// This file contains the cancellable waits used by Provisioner: a fixed
// schedule for polling, and backed off retries for calls that fail.

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// ErrExhausted is returned by Poll when every attempt was used up without the
// check succeeding.
var ErrExhausted = errors.New("attempts exhausted")

// CheckFunc is called by Poll once per attempt, with attempt counting from 1.
// It returns true when the awaited condition holds, or an error to stop
// polling early.
type CheckFunc func(ctx context.Context, attempt int) (bool, error)

// Poll calls check up to maxAttempts times, waiting interval between calls,
// until check returns true or an error. It returns the number of attempts
// made.
//
// The delay never grows. There is no wait after the final attempt. If ctx is
// done during a wait, Poll returns ctx.Err() straight away.
func Poll(ctx context.Context, maxAttempts int, interval time.Duration, check CheckFunc) (int, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		done, err := check(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}

		if attempt == maxAttempts || interval <= 0 {
			continue
		}

		if err := sleep(ctx, interval); err != nil {
			return attempt, err
		}
	}

	return maxAttempts, ErrExhausted
}

// retry calls fn up to attempts times until it succeeds, waiting between
// tries for as long as b says. It gives up early if ctx is done, or if fn's
// error is ErrNotFound, since trying again won't make something appear.
func retry(ctx context.Context, attempts int, b *backoff.Backoff, fn func() error) error {
	b.Reset()
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, ErrNotFound) || i == attempts {
			return err
		}
		if errs := sleep(ctx, b.Duration()); errs != nil {
			return errs
		}
	}
	return err
}

// sleep waits for d, returning ctx.Err() early if ctx is done first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
