/*
Package burst implements the ack-queue bookkeeping for burst handoff
(C7, §4.7): when a job is dispatched onto an already-connected host
without forking a fresh worker, it is tracked here until the worker
acknowledges receipt or ACK_QUE_TIMEOUT elapses. Grounded on the
teacher's TokenManager expiring-map shape (pkg/manager's join tokens),
repurposed from tokens to ack entries.
*/
package burst
