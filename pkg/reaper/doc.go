/*
Package reaper implements the reaper (C6): the finish-FIFO event loop and
periodic WNOHANG sweep that reap worker children, classify their exit
codes into the §7 fault taxonomy, and either remove, requeue, or
zombie-wait the corresponding queue entry. Built around a heartbeat/event-
loop ticker-pair idiom, adapted to spec.md §4.6's two reap triggers.
*/
package reaper
