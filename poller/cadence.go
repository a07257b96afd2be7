// cadence.go - Activity based polling cadence.
// Copyright (C) 2026  The Onionswarm Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package poller

import (
	"fmt"
	"time"
)

// Activity is how recently a conversation saw traffic.
type Activity int

const (
	MostActive Activity = iota
	Active
	MediumActive
	Inactive
)

// ActivityFor buckets the age of the last activity of a conversation.
// Unknown activity is Inactive.
func ActivityFor(age time.Duration, known bool) Activity {
	switch {
	case !known:
		return Inactive
	case age < 30*time.Second:
		return MostActive
	case age < time.Hour:
		return Active
	case age < 24*time.Hour:
		return MediumActive
	default:
		return Inactive
	}
}

// Interval returns how often a conversation at this activity is polled.
func (a Activity) Interval() time.Duration {
	switch a {
	case MostActive:
		return 5 * time.Second
	case Active:
		return 10 * time.Second
	case MediumActive:
		return time.Minute
	default:
		return time.Hour
	}
}

func (a Activity) String() string {
	switch a {
	case MostActive:
		return "most_active"
	case Active:
		return "active"
	case MediumActive:
		return "medium_active"
	case Inactive:
		return "inactive"
	default:
		return fmt.Sprintf("[Unknown Activity: %d]", int(a))
	}
}
