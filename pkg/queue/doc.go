/*
Package queue implements the priority queue engine (C3): the sorted
insertion/removal, aging-on-failure re-sort, and capacity growth described
in spec.md §4.3. Entries are kept sorted by MsgNumber via sort.Search for
binary-search insertion and removal, with a suffix copy standing in for
the original's suffix memmove. The aging table is an immutable lookup
array indexed by a host's Ageing field, per the §9 redesign hint.
*/
package queue
