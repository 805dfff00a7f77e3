package fifo

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageRecord is the fixed-size record written to the message FIFO
// announcing a new job for the ingest path (C2) to pick up. CreatedAt,
// UniqueNumber and SplitJobCounter are carried on the wire because
// spec.md §4.3's msg_number key is computed from them directly, not
// derived locally on receipt.
type MessageRecord struct {
	JobID           uint32
	Priority        byte
	CreatedAt       int64 // UnixNano
	UniqueNumber    uint32
	SplitJobCounter uint32
	FilesToSend     int64
	FileSizeToSend  int64
}

const messageRecordSize = 4 + 1 + 8 + 4 + 4 + 8 + 8

// Encode serializes a MessageRecord to its fixed-size wire form.
func (r MessageRecord) Encode() []byte {
	buf := make([]byte, messageRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.JobID)
	buf[4] = r.Priority
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.CreatedAt))
	binary.BigEndian.PutUint32(buf[13:17], r.UniqueNumber)
	binary.BigEndian.PutUint32(buf[17:21], r.SplitJobCounter)
	binary.BigEndian.PutUint64(buf[21:29], uint64(r.FilesToSend))
	binary.BigEndian.PutUint64(buf[29:37], uint64(r.FileSizeToSend))
	return buf
}

// DecodeMessageRecord parses a MessageRecord from its wire form.
func DecodeMessageRecord(buf []byte) (MessageRecord, error) {
	if len(buf) != messageRecordSize {
		return MessageRecord{}, fmt.Errorf("fifo: message record wrong size: got %d want %d", len(buf), messageRecordSize)
	}
	return MessageRecord{
		JobID:           binary.BigEndian.Uint32(buf[0:4]),
		Priority:        buf[4],
		CreatedAt:       int64(binary.BigEndian.Uint64(buf[5:13])),
		UniqueNumber:    binary.BigEndian.Uint32(buf[13:17]),
		SplitJobCounter: binary.BigEndian.Uint32(buf[17:21]),
		FilesToSend:     int64(binary.BigEndian.Uint64(buf[21:29])),
		FileSizeToSend:  int64(binary.BigEndian.Uint64(buf[29:37])),
	}, nil
}

// FinishRecord is the fixed-size record written to the finish FIFO when a
// protocol worker child exits. Pid is signed: a negative value means the
// reaper should treat this as a burst-continuation notice for the job
// still held open on that connection, rather than a terminal exit,
// mirroring the original finish-FIFO's signed-pid convention.
type FinishRecord struct {
	Pid      int32
	ExitCode int32
}

const finishRecordSize = 4 + 4

// Encode serializes a FinishRecord.
func (r FinishRecord) Encode() []byte {
	buf := make([]byte, finishRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Pid))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.ExitCode))
	return buf
}

// DecodeFinishRecord parses a FinishRecord.
func DecodeFinishRecord(buf []byte) (FinishRecord, error) {
	if len(buf) != finishRecordSize {
		return FinishRecord{}, fmt.Errorf("fifo: finish record wrong size: got %d want %d", len(buf), finishRecordSize)
	}
	return FinishRecord{
		Pid:      int32(binary.BigEndian.Uint32(buf[0:4])),
		ExitCode: int32(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// IsBurstContinuation reports whether this finish record is a burst
// continuation notice rather than a terminal exit.
func (r FinishRecord) IsBurstContinuation() bool { return r.Pid < 0 }

// RetryRecord requests that a job be re-queued immediately, bypassing its
// normal aging delay (e.g. operator-issued retry). HostPos is the FSA
// table position of the host whose pending entries should be retried.
type RetryRecord struct {
	HostPos int32
}

const retryRecordSize = 4

// Encode serializes a RetryRecord.
func (r RetryRecord) Encode() []byte {
	buf := make([]byte, retryRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.HostPos))
	return buf
}

// DecodeRetryRecord parses a RetryRecord.
func DecodeRetryRecord(buf []byte) (RetryRecord, error) {
	if len(buf) != retryRecordSize {
		return RetryRecord{}, fmt.Errorf("fifo: retry record wrong size: got %d want %d", len(buf), retryRecordSize)
	}
	return RetryRecord{HostPos: int32(binary.BigEndian.Uint32(buf[0:4]))}, nil
}

// DeleteRecord requests that a queued or in-flight job be removed.
type DeleteRecord struct {
	JobID uint32
}

const deleteRecordSize = 4

// Encode serializes a DeleteRecord.
func (r DeleteRecord) Encode() []byte {
	buf := make([]byte, deleteRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.JobID)
	return buf
}

// DecodeDeleteRecord parses a DeleteRecord.
func DecodeDeleteRecord(buf []byte) (DeleteRecord, error) {
	if len(buf) != deleteRecordSize {
		return DeleteRecord{}, fmt.Errorf("fifo: delete record wrong size: got %d want %d", len(buf), deleteRecordSize)
	}
	return DeleteRecord{JobID: binary.BigEndian.Uint32(buf[0:4])}, nil
}

// TRLRecord carries an updated transfer-rate-limit value for a host,
// identified by its FSA table position, applied by pkg/scheduler's TRL
// recompute on receipt.
type TRLRecord struct {
	HostPos           int32
	TransferRateLimit int64
}

const trlRecordSize = 4 + 8

// Encode serializes a TRLRecord.
func (r TRLRecord) Encode() []byte {
	buf := make([]byte, trlRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.HostPos))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.TransferRateLimit))
	return buf
}

// DecodeTRLRecord parses a TRLRecord.
func DecodeTRLRecord(buf []byte) (TRLRecord, error) {
	if len(buf) != trlRecordSize {
		return TRLRecord{}, fmt.Errorf("fifo: trl record wrong size: got %d want %d", len(buf), trlRecordSize)
	}
	return TRLRecord{
		HostPos:           int32(binary.BigEndian.Uint32(buf[0:4])),
		TransferRateLimit: int64(binary.BigEndian.Uint64(buf[4:12])),
	}, nil
}

// AckRecord acknowledges a burst handoff for MsgName, removing it from
// the ack table (C7).
type AckRecord struct {
	MsgName string
}

const ackRecordFixedSize = 256

// Encode serializes an AckRecord into a fixed-size, NUL-padded buffer.
func (r AckRecord) Encode() ([]byte, error) {
	if len(r.MsgName) >= ackRecordFixedSize {
		return nil, fmt.Errorf("fifo: msg_name too long for ack record: %d bytes", len(r.MsgName))
	}
	buf := make([]byte, ackRecordFixedSize)
	copy(buf, r.MsgName)
	return buf, nil
}

// DecodeAckRecord parses an AckRecord from its fixed-size wire form.
func DecodeAckRecord(buf []byte) (AckRecord, error) {
	if len(buf) != ackRecordFixedSize {
		return AckRecord{}, fmt.Errorf("fifo: ack record wrong size: got %d want %d", len(buf), ackRecordFixedSize)
	}
	name := string(bytes.TrimRight(buf, "\x00"))
	return AckRecord{MsgName: name}, nil
}

// ControlCommand is one of the control FIFO's fixed command set (§6).
type ControlCommand string

const (
	CmdRereadLocInterfaceFile ControlCommand = "REREAD_LOC_INTERFACE_FILE"
	CmdFSAAboutToChange       ControlCommand = "FSA_ABOUT_TO_CHANGE"
	CmdFlushMsgFifoDumpQueue  ControlCommand = "FLUSH_MSG_FIFO_DUMP_QUEUE"
	CmdForceRemoteDirCheck    ControlCommand = "FORCE_REMOTE_DIR_CHECK"
	CmdCheckFSAEntries        ControlCommand = "CHECK_FSA_ENTRIES"
	CmdSaveStop               ControlCommand = "SAVE_STOP"
	CmdStop                   ControlCommand = "STOP"
	CmdQuickStop              ControlCommand = "QUICK_STOP"
)

// ValidCommands lists every recognized control command, in the order
// cmd/relayctl prints them in its usage text.
var ValidCommands = []ControlCommand{
	CmdRereadLocInterfaceFile,
	CmdFSAAboutToChange,
	CmdFlushMsgFifoDumpQueue,
	CmdForceRemoteDirCheck,
	CmdCheckFSAEntries,
	CmdSaveStop,
	CmdStop,
	CmdQuickStop,
}

// ParseCommand validates a string against the fixed control command set.
func ParseCommand(s string) (ControlCommand, error) {
	for _, c := range ValidCommands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("fifo: unknown control command %q", s)
}
