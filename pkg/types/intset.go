package types

import (
	"slices"
	"strconv"
	"strings"
)

// IntSet is a sorted set of object ids. The zero value is an empty set.
type IntSet []int

// NewIntSet builds a set from ids, dropping duplicates
func NewIntSet(ids ...int) IntSet {
	var s IntSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id, returning false if it was already present
func (s *IntSet) Add(id int) bool {
	i, found := slices.BinarySearch(*s, id)
	if found {
		return false
	}
	*s = slices.Insert(*s, i, id)
	return true
}

// Remove deletes id, returning false if it was not present
func (s *IntSet) Remove(id int) bool {
	i, found := slices.BinarySearch(*s, id)
	if !found {
		return false
	}
	*s = slices.Delete(*s, i, i+1)
	return true
}

// Contains reports membership
func (s IntSet) Contains(id int) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

// Len returns the number of ids
func (s IntSet) Len() int {
	return len(s)
}

// Empty reports whether the set has no ids
func (s IntSet) Empty() bool {
	return len(s) == 0
}

// Clear removes every id
func (s *IntSet) Clear() {
	*s = nil
}

// Slice returns a copy of the ids in ascending order
func (s IntSet) Slice() []int {
	return slices.Clone([]int(s))
}

// Retain keeps only ids that are also in keep
func (s *IntSet) Retain(keep IntSet) {
	*s = slices.DeleteFunc(*s, func(id int) bool {
		return !keep.Contains(id)
	})
	if len(*s) == 0 {
		*s = nil
	}
}

// Difference returns the ids of s that are not in other
func (s IntSet) Difference(other IntSet) IntSet {
	var out IntSet
	for _, id := range s {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Intersects reports whether s and other share an id
func (s IntSet) Intersects(other IntSet) bool {
	for _, id := range s {
		if other.Contains(id) {
			return true
		}
	}
	return false
}

// String renders the set as a comma separated list
func (s IntSet) String() string {
	parts := make([]string, len(s))
	for i, id := range s {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseIntSet parses a comma separated id list such as "10,11, 12"
func ParseIntSet(text string) (IntSet, error) {
	var s IntSet
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		s.Add(id)
	}
	return s, nil
}
