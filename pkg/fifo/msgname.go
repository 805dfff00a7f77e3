package fifo

import (
	"fmt"
	"strconv"
	"strings"
)

// MsgName is the canonical path-fragment identifier for a queued job
// (§3, §6): "<priority>_<creation-unix-nano>_<job-id-hex>_<dir-alias>".
// It doubles as the relative path under the message directory where the
// job's files live, and as the key used across the queue buffer, ack
// table, and retry/delete FIFOs.
type MsgName struct {
	Priority  byte
	CreatedAt int64 // UnixNano
	JobID     uint32
	DirAlias  string
}

// String renders the canonical msg_name form.
func (m MsgName) String() string {
	return fmt.Sprintf("%c_%d_%08x_%s", m.Priority, m.CreatedAt, m.JobID, m.DirAlias)
}

// PriorityWeight converts an ASCII priority digit ('0'..'9') into the
// integer multiplier spec.md §4.3's msg_number formula applies:
// priority − '/'. '0' still carries a nonzero weight of 1.
func PriorityWeight(priority byte) int64 {
	return int64(priority) - int64('/')
}

// ParseMsgName parses a canonical msg_name string back into its parts.
func ParseMsgName(s string) (MsgName, error) {
	parts := strings.SplitN(s, "_", 4)
	if len(parts) != 4 {
		return MsgName{}, fmt.Errorf("fifo: malformed msg_name %q", s)
	}
	if len(parts[0]) != 1 {
		return MsgName{}, fmt.Errorf("fifo: malformed msg_name priority %q", s)
	}

	createdAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return MsgName{}, fmt.Errorf("fifo: malformed msg_name timestamp %q: %w", s, err)
	}

	jobID, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return MsgName{}, fmt.Errorf("fifo: malformed msg_name job id %q: %w", s, err)
	}

	return MsgName{
		Priority:  parts[0][0],
		CreatedAt: createdAt,
		JobID:     uint32(jobID),
		DirAlias:  parts[3],
	}, nil
}
