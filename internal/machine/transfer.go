package machine

import "github.com/nachosgo/nachos/internal/common"

// ReadBufferFromUser copies len(outBuffer) bytes starting at the user
// virtual address userAddress into outBuffer, resolving page faults by
// retrying each byte up to MaxPageFaults times. It panics (the kernel
// translates this to a terminated thread) if a byte's translation
// never succeeds.
func ReadBufferFromUser(m *Machine, userAddress int, outBuffer []byte) {
	for i := range outBuffer {
		value, ok := readByteRetrying(m, userAddress+i)
		if !ok {
			panic("machine: bad user pointer in ReadBufferFromUser")
		}
		outBuffer[i] = byte(value)
	}
}

// ReadStringFromUser reads at most len(outString)-1 bytes starting at
// userAddress into outString, stopping at the first NUL byte, and
// always null-terminates at the index it stopped on. It returns
// whether the string was NUL-terminated within the given bound (false
// means the string was truncated).
//
// This null-terminates at the byte it just wrote rather than one past
// it, correcting an off-by-one in the traced original that could write
// one byte beyond the caller-supplied bound.
func ReadStringFromUser(m *Machine, userAddress int, outString []byte) bool {
	if len(outString) == 0 {
		panic("machine: ReadStringFromUser given a zero-length buffer")
	}

	i := 0
	for ; i < len(outString)-1; i++ {
		value, ok := readByteRetrying(m, userAddress+i)
		if !ok {
			panic("machine: bad user pointer in ReadStringFromUser")
		}
		outString[i] = byte(value)
		if outString[i] == 0 {
			return true
		}
	}
	outString[i] = 0
	return false
}

// WriteBufferToUser copies len(buffer) bytes from buffer to the user
// virtual address userAddress, retrying page faults as ReadBufferFromUser
// does.
func WriteBufferToUser(m *Machine, buffer []byte, userAddress int) {
	for i, b := range buffer {
		if !writeByteRetrying(m, userAddress+i, int(b)) {
			panic("machine: bad user pointer in WriteBufferToUser")
		}
	}
}

// WriteStringToUser writes string, including its terminating NUL, to
// the user virtual address userAddress.
func WriteStringToUser(m *Machine, s string, userAddress int) {
	for i := 0; i <= len(s); i++ {
		var b byte
		if i < len(s) {
			b = s[i]
		}
		if !writeByteRetrying(m, userAddress+i, int(b)) {
			panic("machine: bad user pointer in WriteStringToUser")
		}
	}
}

func readByteRetrying(m *Machine, addr int) (int, bool) {
	for i := 0; i < common.MaxPageFaults; i++ {
		if value, ok := m.ReadMem(addr, 1); ok {
			return value, true
		}
	}
	return 0, false
}

func writeByteRetrying(m *Machine, addr int, value int) bool {
	for i := 0; i < common.MaxPageFaults; i++ {
		if m.WriteMem(addr, 1, value) {
			return true
		}
	}
	return false
}
