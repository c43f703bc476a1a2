package syscall

import (
	"encoding/binary"
	"fmt"

	"rvcore/rvos/task"
)

// Sizes of the records copied into user memory (RV64, little-endian).
const (
	TimeValSize  = 16
	TaskInfoSize = 4 + 4*task.MaxSyscallNum + 4 + 8
)

const taskInfoTimeOff = TaskInfoSize - 8

// TimeVal is the get_time record: sec u64 @0, usec u64 @8.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// TimeValFromMicros splits a microsecond count.
func TimeValFromMicros(us uint64) TimeVal {
	return TimeVal{Sec: us / 1_000_000, Usec: us % 1_000_000}
}

func (tv TimeVal) MarshalBinary() ([]byte, error) {
	b := make([]byte, TimeValSize)
	binary.LittleEndian.PutUint64(b[0:], tv.Sec)
	binary.LittleEndian.PutUint64(b[8:], tv.Usec)
	return b, nil
}

func (tv *TimeVal) UnmarshalBinary(b []byte) error {
	if len(b) != TimeValSize {
		return fmt.Errorf("timeval: got %d bytes, want %d", len(b), TimeValSize)
	}
	tv.Sec = binary.LittleEndian.Uint64(b[0:])
	tv.Usec = binary.LittleEndian.Uint64(b[8:])
	return nil
}

// TaskInfo is the task_info record:
//
//	status        u32        @0
//	syscall_times [500]u32   @4
//	(padding)     4 bytes    @2004
//	time          u64 (ms)   @2008
type TaskInfo struct {
	Status       task.Status
	SyscallTimes [task.MaxSyscallNum]uint32
	Time         uint64
}

func (ti TaskInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, TaskInfoSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(ti.Status))
	for i, n := range ti.SyscallTimes {
		binary.LittleEndian.PutUint32(b[4+4*i:], n)
	}
	binary.LittleEndian.PutUint64(b[taskInfoTimeOff:], ti.Time)
	return b, nil
}

func (ti *TaskInfo) UnmarshalBinary(b []byte) error {
	if len(b) != TaskInfoSize {
		return fmt.Errorf("taskinfo: got %d bytes, want %d", len(b), TaskInfoSize)
	}
	ti.Status = task.Status(binary.LittleEndian.Uint32(b[0:]))
	for i := range ti.SyscallTimes {
		ti.SyscallTimes[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}
	ti.Time = binary.LittleEndian.Uint64(b[taskInfoTimeOff:])
	return nil
}
