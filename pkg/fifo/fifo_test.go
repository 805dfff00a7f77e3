package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRecordRoundTrip(t *testing.T) {
	rec := MessageRecord{JobID: 42, Priority: '5', FilesToSend: 3, FileSizeToSend: 1024}
	decoded, err := DecodeMessageRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestFinishRecordSignedPid(t *testing.T) {
	normal := FinishRecord{Pid: 1234, ExitCode: 0}
	burst := FinishRecord{Pid: -1234, ExitCode: 0}

	assert.False(t, normal.IsBurstContinuation())
	assert.True(t, burst.IsBurstContinuation())

	decoded, err := DecodeFinishRecord(burst.Encode())
	require.NoError(t, err)
	assert.Equal(t, burst, decoded)
}

func TestAckRecordRoundTrip(t *testing.T) {
	rec := AckRecord{MsgName: "5_1700000000000000000_0000002a_primary"}
	buf, err := rec.Encode()
	require.NoError(t, err)
	require.Len(t, buf, ackRecordFixedSize)

	decoded, err := DecodeAckRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestAckRecordTooLong(t *testing.T) {
	long := make([]byte, ackRecordFixedSize)
	for i := range long {
		long[i] = 'x'
	}
	_, err := AckRecord{MsgName: string(long)}.Encode()
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("STOP")
	require.NoError(t, err)
	assert.Equal(t, CmdStop, cmd)

	_, err = ParseCommand("NOT_A_COMMAND")
	assert.Error(t, err)
}

func TestMsgNameRoundTrip(t *testing.T) {
	name := MsgName{Priority: '3', CreatedAt: 1700000000000000000, JobID: 0xdeadbeef, DirAlias: "primary"}
	parsed, err := ParseMsgName(name.String())
	require.NoError(t, err)
	assert.Equal(t, name, parsed)
}

func TestParseMsgNameMalformed(t *testing.T) {
	_, err := ParseMsgName("not-a-valid-name")
	assert.Error(t, err)
}

func TestRetryRecordRoundTrip(t *testing.T) {
	rec := RetryRecord{HostPos: 7}
	decoded, err := DecodeRetryRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDeleteRecordRoundTrip(t *testing.T) {
	rec := DeleteRecord{JobID: 99}
	decoded, err := DecodeDeleteRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestTRLRecordRoundTrip(t *testing.T) {
	rec := TRLRecord{HostPos: 3, TransferRateLimit: 65536}
	decoded, err := DecodeTRLRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestRetryRecordWrongSize(t *testing.T) {
	_, err := DecodeRetryRecord([]byte{1, 2, 3})
	assert.Error(t, err)
}
