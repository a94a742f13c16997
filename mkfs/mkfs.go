// Package mkfs writes an empty filesystem, holding only a root directory
// owned by the superuser, onto a disk.
package mkfs

import (
	"fmt"
	"time"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/device"
)

const (
	MAX_ZONES      = 1<<16 - 1 // zone numbers are 16 bits on disk
	MIN_DATA_ZONES = 32
)

// DefaultInodes picks an inode count for a device of the given size: one
// inode for every three blocks, rounded up to fill the last inode block.
func DefaultInodes(blocks uint32) int {
	n := int(blocks / 3)
	n = (n + common.INODES_PER_BLOCK - 1) / common.INODES_PER_BLOCK * common.INODES_PER_BLOCK
	if n > MAX_ZONES {
		n = MAX_ZONES / common.INODES_PER_BLOCK * common.INODES_PER_BLOCK
	}
	return n
}

func blocksFor(bits int) int {
	return (bits + common.BITS_PER_BLOCK - 1) / common.BITS_PER_BLOCK
}

// Layout computes the superblock of a filesystem covering the whole disk.
// Passing 0 inodes picks DefaultInodes.
func Layout(blocks uint32, inodes int) (common.Disk_Superblock, error) {
	var sb common.Disk_Superblock
	if blocks > MAX_ZONES {
		blocks = MAX_ZONES
	}
	if inodes == 0 {
		inodes = DefaultInodes(blocks)
	}
	if inodes < 1 || inodes > MAX_ZONES {
		return sb, fmt.Errorf("mkfs: bad inode count %d: %w", inodes, common.EINVAL)
	}
	imap := blocksFor(inodes + 1)
	zmap := blocksFor(int(blocks))
	if imap > common.I_MAP_SLOTS || zmap > common.Z_MAP_SLOTS {
		return sb, fmt.Errorf("mkfs: bitmaps too large (%d/%d blocks): %w", imap, zmap, common.EINVAL)
	}
	itable := (inodes + common.INODES_PER_BLOCK - 1) / common.INODES_PER_BLOCK
	first := 2 + imap + zmap + itable
	if uint32(first)+MIN_DATA_ZONES > blocks {
		return sb, fmt.Errorf("mkfs: %d blocks leave %d data zones, need %d: %w",
			blocks, int(blocks)-first, MIN_DATA_ZONES, common.ENOSPC)
	}
	sb = common.Disk_Superblock{
		Ninodes:       uint16(inodes),
		Nzones:        uint16(blocks),
		Imap_blocks:   uint16(imap),
		Zmap_blocks:   uint16(zmap),
		Firstdatazone: uint16(first),
		Log_zone_size: 0,
		Max_size:      common.MAX_FILE_SIZE,
		Magic:         common.SUPER_MAGIC,
	}
	return sb, nil
}

func setBit(maps []byte, bit int) {
	maps[bit/8] |= 1 << (bit % 8)
}

// Format writes an empty filesystem onto disk. The root directory takes
// inode 1 and the first data zone.
func Format(disk device.Disk, inodes int, now time.Time) (common.Disk_Superblock, error) {
	sb, err := Layout(disk.Size(), inodes)
	if err != nil {
		return sb, err
	}
	block := make([]byte, common.BLOCK_SIZE)
	write := func(n uint32) error {
		if err := disk.Write(n, block); err != nil {
			return fmt.Errorf("mkfs: write block %d: %w", n, err)
		}
		clear(block)
		return nil
	}

	// boot block and superblock
	if err := write(common.BOOT_BLOCK); err != nil {
		return sb, err
	}
	sb.Encode(block)
	if err := write(common.SUPER_BLOCK); err != nil {
		return sb, err
	}

	// Bit 0 of both maps is reserved. Bits past the end of the filesystem
	// are marked in use so they are never handed out.
	imap := make([]byte, int(sb.Imap_blocks)*common.BLOCK_SIZE)
	setBit(imap, 0)
	setBit(imap, common.ROOT_INO)
	for bit := int(sb.Ninodes) + 1; bit < len(imap)*8; bit++ {
		setBit(imap, bit)
	}
	zmap := make([]byte, int(sb.Zmap_blocks)*common.BLOCK_SIZE)
	setBit(zmap, 0)
	setBit(zmap, 1) // root directory
	for bit := int(sb.Nzones) - int(sb.Firstdatazone) + 1; bit < len(zmap)*8; bit++ {
		setBit(zmap, bit)
	}
	n := uint32(2)
	for _, maps := range [][]byte{imap, zmap} {
		for off := 0; off < len(maps); off += common.BLOCK_SIZE {
			copy(block, maps[off:off+common.BLOCK_SIZE])
			if err := write(n); err != nil {
				return sb, err
			}
			n++
		}
	}

	// inode table, with the root directory in the first slot
	root := common.Disk_Inode{
		Mode:   common.I_DIRECTORY | 0755,
		Size:   2 * common.DIR_ENTRY_SIZE,
		Mtime:  uint32(now.Unix()),
		Nlinks: 2,
	}
	root.Zone[0] = sb.Firstdatazone
	root.Encode(block, 0)
	for ; n < uint32(sb.Firstdatazone); n++ {
		if err := write(n); err != nil {
			return sb, err
		}
	}

	// root directory
	dot := common.NewDirent(common.ROOT_INO, ".")
	dotdot := common.NewDirent(common.ROOT_INO, "..")
	dot.Encode(block, 0)
	dotdot.Encode(block, 1)
	if err := write(n); err != nil {
		return sb, err
	}
	for n++; n < uint32(sb.Nzones); n++ {
		if err := write(n); err != nil {
			return sb, err
		}
	}
	return sb, nil
}
