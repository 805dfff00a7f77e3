/*
Package connection implements the connection/child table (C5): a
fixed-capacity slot vector over pkg/regions.ConnTable, linear free-slot
scan on acquire, and the single-retrieve guard that stops a retrieve
directory (FRA entry) from having more than one fetch job in flight at
once (spec.md §4.5).
*/
package connection
