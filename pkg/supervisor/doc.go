/*
Package supervisor implements the C8 supervisor: the parent process that
owns an exclusive lock on an "active" file, starts a fixed set of sibling
processes in order, restarts the ones that must not die, and applies
backpressure against the message-generator sibling when the outgoing-files
directory nears its hard-link ceiling.

Shaped as an agent with a ticker-pair (a heartbeat loop plus a restart/
backpressure sweep) and an embeddable mode, the same pattern an earlier
in-process worker used to colocate with its manager: the gRPC/containerd
data plane that pattern once drove is replaced here with an os/exec-backed
sibling table, and the file distributor core (pkg/manager) runs embedded in
this same process the way that worker once ran embedded in a manager.
*/
package supervisor
