// jb is a local background job daemon.
// Copyright (C) 2026 jb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package duration parses the short duration strings clients use for
// --timeout style flags ("30s", "5m", "1h", "7d"). This is pure parsing
// logic only; presenting a duration back to a user is a client concern.
package duration

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSeconds parses s into a whole number of seconds. Supported suffixes
// are s (seconds), m (minutes), h (hours), and d (days); no suffix is
// invalid, matching the original core's strict parser.
func ParseSeconds(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	var unit uint64
	var numPart string
	switch {
	case strings.HasSuffix(s, "s"):
		unit, numPart = 1, strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit, numPart = 60, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit, numPart = 3600, strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "d"):
		unit, numPart = 86400, strings.TrimSuffix(s, "d")
	default:
		return 0, fmt.Errorf("invalid duration format %q: use 30s, 5m, 1h, or 7d", s)
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format %q: %w", s, err)
	}
	return n * unit, nil
}
