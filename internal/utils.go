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

package internal

// this file has general utility functions

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
)

// TildaToHome converts a path beginning with ~/ to the absolute path based in
// the current home directory. If that cannot be determined, path is returned
// unaltered.
func TildaToHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// LogClose is for use to Close() an object during a defer when you don't care
// if the Close() returns an error, but do want non-EOF errors logged. Extra
// args are passed as additional context for the logger.
func LogClose(logger log15.Logger, obj io.Closer, msg string, extra ...interface{}) {
	err := obj.Close()
	if err != nil && err != io.EOF {
		extra = append(extra, "err", err)
		logger.Warn("failed to close "+msg, extra...)
	}
}

// SetupLogging returns a logger that logs to STDERR at Info level, or at Debug
// level with the caller's file and line number if debug is true.
func SetupLogging(debug bool) log15.Logger {
	logger := log15.New()
	if debug {
		logger.SetHandler(log15.LvlFilterHandler(log15.LvlDebug, l15h.CallerInfoHandler(log15.StderrHandler)))
	} else {
		logger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))
	}
	return logger
}

// DiscardLogger returns a logger that logs nothing, for use in tests.
func DiscardLogger() log15.Logger {
	logger := log15.New()
	logger.SetHandler(log15.DiscardHandler())
	return logger
}
