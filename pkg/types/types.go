// Package types defines the shared data model for the file distributor
// core: host status records, retrieve-directory records, message cache
// entries, queue entries, connection slots and ack entries.
package types

import "time"

// Protocol identifies a transfer protocol a host or retrieve directory
// speaks.
type Protocol string

const (
	ProtocolFTP   Protocol = "ftp"
	ProtocolSFTP  Protocol = "sftp"
	ProtocolHTTP  Protocol = "http"
	ProtocolSMTP  Protocol = "smtp"
	ProtocolSCP   Protocol = "scp"
	ProtocolLocal Protocol = "loc"
	ProtocolExec  Protocol = "exec"
)

// MaxNoParallelJobs bounds the per-host job_status slot array (FSA entry).
const MaxNoParallelJobs = 32

// HostStatusFlag is a bitset over HostStatus.Flags.
type HostStatusFlag uint32

const (
	HostDisabled HostStatusFlag = 1 << iota
	HostStopTransfer
	HostOffline
	HostErrorQueueSet
	HostAutoPauseQueue
	HostSimulate
	HostNoDelete
)

// ProtocolOption is a bitset over HostStatus.ProtocolOptions.
type ProtocolOption uint32

const (
	OptDisableBursting ProtocolOption = 1 << iota
	OptNoAgeing
	OptKeepConNoSend
	OptKeepConNoFetch
	OptFileWhenLocal
)

// HostStatus is the FSA entry: per-destination-host mutable record (§3).
type HostStatus struct {
	Pos       int // position in the FSA table; the relational primitive
	HostAlias string
	HostID    uint32
	Protocol  Protocol

	ActiveTransfers  int
	AllowedTransfers int
	JobsQueued       uint32

	ErrorCounter   int
	ErrorHistory   [7]int // ring of the last N exit codes
	FirstErrorTime time.Time
	LastRetryTime  time.Time
	RetryInterval  time.Duration

	TransferRateLimit int64 // bytes/sec, 0 = unlimited
	TRLPerProcess     int64

	Flags           HostStatusFlag
	ProtocolOptions ProtocolOption

	// Dual-host auto-switch ("toggle") state.
	HostToggle           string
	OriginalTogglePos    int
	SuccessfulRetries    int
	MaxSuccessfulRetries int
	TempToggle           bool

	JobStatus [MaxNoParallelJobs]JobStatusSlot

	Ageing   int // index into the aging table; 0 disables key-bump ageing
	AgeLimit time.Duration

	// ErrorQueue holds one expiring entry per msg_name currently held back
	// by a transient fault (spec.md §3, §4.6): expiry is refreshed to
	// now+retry_interval on every retryable reap. Flags&HostErrorQueueSet
	// mirrors "len(ErrorQueue) > 0" for callers that only need the bit.
	ErrorQueue map[string]time.Time
}

// ErrorQueueAdd refreshes (or inserts) msgName's error-queue entry,
// setting HostErrorQueueSet while any entry is outstanding (spec.md
// §4.6's "add or refresh the host's error queue" reap action).
func (h *HostStatus) ErrorQueueAdd(msgName string, expiry time.Time) {
	if h.ErrorQueue == nil {
		h.ErrorQueue = make(map[string]time.Time)
	}
	h.ErrorQueue[msgName] = expiry
	h.Flags |= HostErrorQueueSet
}

// ErrorQueueRemove drops msgName's entry, e.g. on a subsequent
// successful reap for that job.
func (h *HostStatus) ErrorQueueRemove(msgName string) {
	delete(h.ErrorQueue, msgName)
	if len(h.ErrorQueue) == 0 {
		h.Flags &^= HostErrorQueueSet
	}
}

// ErrorQueueContains reports whether msgName currently holds an
// unexpired error-queue entry, purging any entries whose expiry has
// passed as a side effect. spec.md §4.4 step 4 consults this once per
// dispatch to gate retry admission.
func (h *HostStatus) ErrorQueueContains(msgName string, now time.Time) bool {
	for name, expiry := range h.ErrorQueue {
		if !now.Before(expiry) {
			delete(h.ErrorQueue, name)
		}
	}
	if len(h.ErrorQueue) == 0 {
		h.Flags &^= HostErrorQueueSet
	}
	_, ok := h.ErrorQueue[msgName]
	return ok
}

// SlotState is the burst-handshake state of a JobStatusSlot, replacing the
// sentinel-byte scheme (unique_name[2], file_name_in_use[MAX-1]) of the
// original layout with an explicit enum (spec.md §9 redesign hint).
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotRunning
	SlotReadyForMore
	SlotRestartRequested
)

// JobStatusSlot is one per-parallel-job handoff area inside a HostStatus.
type JobStatusSlot struct {
	State      SlotState
	JobID      uint32
	UniqueName string
	ConnectPos int // -1 if unoccupied
}

// RetrieveDirFlag is a bitset over FetchDir.Flags.
type RetrieveDirFlag uint32

const (
	DirDisabled RetrieveDirFlag = 1 << iota
	DirPaused
)

// TimeEntry is one schedule entry controlling when a retrieve directory is
// next due for a scan.
type TimeEntry struct {
	Minute, Hour, DayOfMonth, Month int // -1 means wildcard
	ContinuousScan                  bool
}

// FetchDir is the FRA entry: per-remote-source-directory record (§3).
type FetchDir struct {
	Pos         int
	DirID       uint32
	DirAlias    string
	FSAPos      int
	Protocol    Protocol
	Priority    byte // ASCII '0'..'9'
	Queued      int  // 0 or 1 expected; audited by pkg/reconciler
	TimeEntries []TimeEntry
	NextCheck   time.Time
	Flags       RetrieveDirFlag
}

// MessageCacheEntry is the MDB entry: persistent per-job descriptor (§3).
type MessageCacheEntry struct {
	JobID            uint32
	FSAPos           int
	Protocol         Protocol
	Port             int
	AgeLimit         time.Duration
	Ageing           int
	LastTransferTime time.Time
	InCurrentFSA     bool
	MsgTime          time.Time // mtime of the backing message file
}

// SpecialFlag is a bitset over QueueEntry.SpecialFlags.
type SpecialFlag uint32

const (
	FlagFetchJob SpecialFlag = 1 << iota
	FlagHelperJob
	FlagResendJob
	FlagQueuedForBurst
)

// QueueState is a tagged variant replacing the pid-doubles-as-sentinel
// scheme (PENDING/REMOVED/live pid) per spec.md §9's redesign hint.
type QueueState int

const (
	QueuePending QueueState = iota
	QueueRunning
	QueueRemoved
)

// QueueEntry is the QB entry: one pending or running unit of work (§3).
type QueueEntry struct {
	MsgName      string // canonical path fragment, see pkg/fifo.MsgName
	MsgNumber    float64
	CreationTime time.Time

	Pos int // index into MDB (send jobs) or FRA (fetch jobs)

	State      QueueState
	Pid        int // valid only when State == QueueRunning
	ConnectPos int // -1 if State != QueueRunning

	Retries        int
	FilesToSend    int64
	FileSizeToSend int64
	SpecialFlags   SpecialFlag

	FSAPos int
}

// IsFetch reports whether this entry is a retrieve-path job.
func (q *QueueEntry) IsFetch() bool { return q.SpecialFlags&FlagFetchJob != 0 }

// ConnectionSlot is a fixed-size connection/child-table entry (§3, C5).
type ConnectionSlot struct {
	Hostname   string // "" iff the slot is free
	HostID     uint32
	FSAPos     int
	FRAPos     int // -1 for send jobs
	Protocol   Protocol
	JobNo      int // per-host parallel-slot index
	MsgName    string
	DirAlias   string
	Pid        int
	Resend     bool
	TempToggle bool
}

// Free reports whether the slot is unoccupied.
func (c *ConnectionSlot) Free() bool { return c.Hostname == "" }

// AckEntry is an ack-queue entry (§3, optional ACK feature, C7).
type AckEntry struct {
	MsgName    string
	InsertTime time.Time
}

// ExitCode is the stable integer enumeration returned by worker processes
// (§6). Values are assigned in declaration order; they are an internal
// contract between the dispatcher/reaper, not a wire-compatible layout.
type ExitCode int

const (
	TransferSuccess ExitCode = iota
	StillFilesToSend
	SyntaxError
	NoMessageFile
	JIDNumberError
	OpenFileDirError
	TimeoutError
	ConnectionResetError
	PipeClosedError
	ConnectError
	ConnectionRefusedError
	UserError
	PasswordError
	RemoteUserError
	ChdirError
	MkdirError
	StatTargetError
	StatRemoteError
	WriteRemoteError
	MoveRemoteError
	OpenRemoteError
	DeleteRemoteError
	ListError
	ExecError
	MailError
	AuthError
	TypeError
	DataError
	ReadLocalError
	WriteLocalError
	ReadRemoteError
	SizeError
	DateError
	OpenLocalError
	WriteLockError
	RemoveLockfileError
	QuitError
	RenameError
	SelectError
	StatError
	LockRegionError
	UnlockRegionError
	GotKilled
	NoFilesToSend
	AllocError
	FileSizeMatchError
	ProcessNeedsRestart
)

// FaultClass is the outcome the reaper (C6) derives from an ExitCode,
// matching spec.md §4.6's faulty in {NO, YES, NONE, NEITHER}.
type FaultClass int

const (
	// FaultNone: success-equivalent outcome; the QB entry is removed.
	FaultNone FaultClass = iota
	// FaultRetryable: a transient fault; the entry returns to PENDING and
	// is re-queued for the host.
	FaultRetryable
	// FaultFatal: unrecoverable exit code; the reaper restores the entry
	// to PENDING without aging it or refreshing the host's error queue.
	FaultFatal
	// FaultPending: the child has not yet been reaped (waitpid raced);
	// the slot goes onto the zombie-wait list.
	FaultPending
)

// Classify maps an ExitCode to its FaultClass per spec.md §7/§4.6.
func Classify(code ExitCode) FaultClass {
	switch code {
	case TransferSuccess, StillFilesToSend, NoFilesToSend, GotKilled:
		return FaultNone
	case SyntaxError, NoMessageFile, JIDNumberError:
		return FaultFatal
	default:
		return FaultRetryable
	}
}
