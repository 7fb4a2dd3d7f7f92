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
Package internal houses code for stackup's general utility functions.

It also implements the config system used by the cmd package (see
config.go).

    import "github.com/VertebrateResequencing/stackup/internal"
    logger := internal.SetupLogging(false)
    config := internal.ConfigLoad(logger)
    path := internal.TildaToHome(config.SSHKeyFile)
*/
package internal
