/*
Package fifo implements the fixed-size binary wire records and control
commands exchanged between the file distributor core and its
collaborators over named pipes (§6): the message FIFO (new job
announcements), the finish FIFO (signed pid, child completion), the
retry/delete/TRL/ack FIFOs, and the control FIFO command set. It also
builds and parses the canonical msg_name path fragment that identifies a
queued job across every other table.
*/
package fifo
