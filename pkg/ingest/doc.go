/*
Package ingest implements message ingest (C2): decoding message FIFO
records into queue entries on the send path, and synthesizing fetch-path
queue entries from due retrieve-directory (FRA) schedules. Built around a
two-phase reconcile() shape, generalized into two ingest paths that both
feed pkg/queue.Buffer.
*/
package ingest
