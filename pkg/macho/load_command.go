package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

const loadCmdHeaderSize = 8

// ErrStopWalk can be returned by a WalkFunc to end the walk early without error.
var ErrStopWalk = errors.New("stop walking load commands")

// A LoadCommand is one record of the image's load command table.
type LoadCommand struct {
	Index int // position among all commands
	Addr  uint64
	Cmd   types.LoadCmd
	Len   uint32
}

// WalkFunc is called for every load command in table order.
type WalkFunc func(lc LoadCommand) error

// Walk visits the image's load commands in address order, advancing by each
// command's cmdsize, for exactly ncmds commands.
func (i *Image) Walk(fn WalkFunc) error {
	addr := i.base + types.FileHeaderSize64
	end := addr + uint64(i.SizeCommands)
	if !i.Contains(addr, int(i.SizeCommands)) {
		return errors.Wrapf(ErrMalformedCommand, "sizeofcmds %d runs past mapped memory", i.SizeCommands)
	}

	var hdr [loadCmdHeaderSize]byte
	for idx := 0; idx < int(i.NCommands); idx++ {
		if end-addr < loadCmdHeaderSize {
			return errors.Wrapf(ErrMalformedCommand, "command %d starts past sizeofcmds", idx)
		}
		if err := i.mem.ReadAt(hdr[:], addr); err != nil {
			return errors.Wrapf(err, "failed to read load command %d", idx)
		}

		lc := LoadCommand{
			Index: idx,
			Addr:  addr,
			Cmd:   types.LoadCmd(binary.LittleEndian.Uint32(hdr[0:])),
			Len:   binary.LittleEndian.Uint32(hdr[4:]),
		}
		// a zero cmdsize would spin on the same command forever
		if lc.Len < loadCmdHeaderSize {
			return errors.Wrapf(ErrMalformedCommand, "command %d (%s) has cmdsize %d", idx, lc.Cmd, lc.Len)
		}
		if uint64(lc.Len) > end-addr {
			return errors.Wrapf(ErrMalformedCommand, "command %d (%s) cmdsize %d runs past sizeofcmds", idx, lc.Cmd, lc.Len)
		}

		if err := fn(lc); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
		addr += uint64(lc.Len)
	}

	return nil
}

// LoadCommands returns every command of the table.
func (i *Image) LoadCommands() ([]LoadCommand, error) {
	var loads []LoadCommand
	err := i.Walk(func(lc LoadCommand) error {
		loads = append(loads, lc)
		return nil
	})
	return loads, err
}

// payload reads the whole command, header included.
func (i *Image) payload(lc LoadCommand) ([]byte, error) {
	dat, err := i.Read(lc.Addr, int(lc.Len))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", lc.Cmd)
	}
	return dat, nil
}
