package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of journal events
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum computes the CRC32-IEEE of every event field except
// the checksum itself. Fields are joined with a separator that cannot
// appear in a decimal number, so adjacent fields cannot run together.
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte(0)
	b.WriteString(string(e.Type))
	b.WriteByte(0)
	b.WriteString(e.RunID)
	b.WriteByte(0)
	b.WriteString(string(e.JobID))
	b.WriteByte(0)
	for _, a := range e.Command {
		b.WriteString(a)
		b.WriteByte(1)
	}
	b.WriteByte(0)
	b.WriteString(string(e.Status))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(e.ExitCode))
	b.WriteByte(0)
	b.WriteString(e.Error)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum returns a *ChecksumError when the stored checksum does not
// match the event's content.
func VerifyChecksum(e Event) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
