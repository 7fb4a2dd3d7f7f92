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

package script

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// placeholderRegexp matches %(name)s placeholders and the %% escape.
var placeholderRegexp = regexp.MustCompile(`%%|%\(([A-Za-z_][A-Za-z0-9_]*)\)s`)

// MissingVarError is returned by Substitute when a template refers to a name
// that has no value.
type MissingVarError struct {
	Source string
	Names  []string
}

func (e MissingVarError) Error() string {
	return fmt.Sprintf("template %s has no value for: %s", e.Source, strings.Join(e.Names, ", "))
}

// Substitute replaces every %(name)s in text with vars[name], and every %% with
// a literal %. source is only used to describe errors.
func Substitute(source, text string, vars map[string]string) (string, error) {
	missing := make(map[string]bool)
	out := placeholderRegexp.ReplaceAllStringFunc(text, func(m string) string {
		if m == "%%" {
			return "%"
		}
		name := m[2 : len(m)-2]
		val, found := vars[name]
		if !found {
			missing[name] = true
			return m
		}
		return val
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", MissingVarError{Source: source, Names: names}
	}
	return out, nil
}
