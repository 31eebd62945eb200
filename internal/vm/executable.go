// Package vm implements demand-paged virtual memory: a per-process
// AddressSpace with a software page table and private swap file, and
// a Coremap that multiplexes a fixed pool of physical frames across
// every address space with approximate second-chance eviction. See
// userprog/address_space.cc and vmem/coremap.cc in the retrieved
// Nachos source for the algorithms this package reproduces.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/nachosgo/nachos/internal/fs"
)

// execMagic identifies a Nachos-format executable; any other value in
// the header is rejected rather than silently misread.
const execMagic = 0xbadfad

// execHeader is the on-disk layout this loader understands: a magic
// number followed by the code and initialized-data segments' virtual
// address and size. The segments are assumed contiguous, code first,
// which is all AddressSpace.LoadPage needs to know to decide where a
// given virtual page's initial bytes come from.
type execHeader struct {
	Magic        uint32
	CodeAddr     uint32
	CodeSize     uint32
	InitDataAddr uint32
	InitDataSize uint32
}

const execHeaderSize = 5 * 4

// Executable wraps the open file that backs a program's code and
// initialized-data segments, parsing just enough of its header to
// drive demand paging.
type Executable struct {
	file   *fs.OpenFile
	header execHeader
}

// OpenExecutable reads and validates file's header.
func OpenExecutable(file *fs.OpenFile) (*Executable, error) {
	buf := make([]byte, execHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	h := execHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		CodeAddr:     binary.LittleEndian.Uint32(buf[4:8]),
		CodeSize:     binary.LittleEndian.Uint32(buf[8:12]),
		InitDataAddr: binary.LittleEndian.Uint32(buf[12:16]),
		InitDataSize: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.Magic != execMagic {
		return nil, fmt.Errorf("vm: not a Nachos executable (bad magic %#x)", h.Magic)
	}
	return &Executable{file: file, header: h}, nil
}

func (e *Executable) Size() int         { return int(e.header.CodeAddr) + int(e.header.CodeSize) + int(e.header.InitDataSize) }
func (e *Executable) CodeAddr() int     { return int(e.header.CodeAddr) }
func (e *Executable) CodeSize() int     { return int(e.header.CodeSize) }
func (e *Executable) InitDataAddr() int { return int(e.header.InitDataAddr) }
func (e *Executable) InitDataSize() int { return int(e.header.InitDataSize) }

// ReadCodeBlock reads size bytes of the code segment starting at
// offset bytes into it.
func (e *Executable) ReadCodeBlock(dst []byte, size, offset int) error {
	_, err := e.file.ReadAt(dst[:size], execHeaderSize+offset)
	return err
}

// ReadDataBlock reads size bytes of the initialized-data segment
// starting at offset bytes into it.
func (e *Executable) ReadDataBlock(dst []byte, size, offset int) error {
	_, err := e.file.ReadAt(dst[:size], execHeaderSize+int(e.header.CodeSize)+offset)
	return err
}
