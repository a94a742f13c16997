package main

import (
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/device"
)

// checker rebuilds both bitmaps from the inode table and compares them with
// the ones on disk. It reads the raw device and never writes.
type checker struct {
	disk     device.Disk
	sb       common.Disk_Superblock
	imap     []byte // bitmaps as they should be
	zmap     []byte
	links    map[uint16]int // directory entries naming each inode
	problems []string
}

func (c *checker) errorf(format string, args ...interface{}) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) read(block uint32) ([]byte, error) {
	buf := make([]byte, common.BLOCK_SIZE)
	if err := c.disk.ReadTo(block, buf); err != nil {
		return nil, fmt.Errorf("block %d: %w", block, err)
	}
	return buf, nil
}

func bitSet(m []byte, bit int) bool { return m[bit/8]&(1<<(bit%8)) != 0 }
func setBit(m []byte, bit int)      { m[bit/8] |= 1 << (bit % 8) }

func (c *checker) inodeBlock(num uint16) uint32 {
	return 2 + uint32(c.sb.Imap_blocks) + uint32(c.sb.Zmap_blocks) +
		uint32(num-1)/common.INODES_PER_BLOCK
}

func (c *checker) readInode(num uint16) (common.Disk_Inode, error) {
	var di common.Disk_Inode
	block, err := c.read(c.inodeBlock(num))
	if err != nil {
		return di, err
	}
	err = di.Decode(block, int(num-1)%common.INODES_PER_BLOCK)
	return di, err
}

// markZone records that inode num uses zone. A zone outside the data area,
// or already in use, is a problem.
func (c *checker) markZone(num uint16, zone uint16) bool {
	if zone < c.sb.Firstdatazone || zone >= c.sb.Nzones {
		c.errorf("inode %d: zone %d out of range", num, zone)
		return false
	}
	bit := int(zone-c.sb.Firstdatazone) + 1
	if bitSet(c.zmap, bit) {
		c.errorf("inode %d: zone %d is in use twice", num, zone)
		return false
	}
	setBit(c.zmap, bit)
	return true
}

// zones marks every zone of an inode, indirect blocks included.
func (c *checker) zones(num uint16, di *common.Disk_Inode) error {
	for i := 0; i < common.NR_DZONES; i++ {
		if di.Zone[i] != common.NO_BLOCK {
			c.markZone(num, di.Zone[i])
		}
	}
	if err := c.indirect(num, di.Zone[common.NR_DZONES], 1); err != nil {
		return err
	}
	return c.indirect(num, di.Zone[common.NR_DZONES+1], 2)
}

// indirect marks an indirect block and what it points to. depth is the
// number of indirect levels from zone down to the data zones.
func (c *checker) indirect(num uint16, zone uint16, depth int) error {
	if zone == common.NO_BLOCK || !c.markZone(num, zone) {
		return nil
	}
	block, err := c.read(uint32(zone))
	if err != nil {
		return err
	}
	for i := 0; i < common.NR_INDIRECTS; i++ {
		z := uint16(block[2*i]) | uint16(block[2*i+1])<<8
		if z == common.NO_BLOCK {
			continue
		}
		if depth == 1 {
			c.markZone(num, z)
		} else if err := c.indirect(num, z, depth-1); err != nil {
			return err
		}
	}
	return nil
}

// entries counts the names in a directory and checks its dots.
func (c *checker) entries(num uint16, di *common.Disk_Inode) error {
	n := int(di.Size / common.DIR_ENTRY_SIZE)
	var dot, dotdot bool
	for i := 0; i < n; i++ {
		blk := i / common.DIR_ENTRIES_PER_BLOCK
		if blk >= common.NR_DZONES {
			c.errorf("directory %d: too large to check", num)
			break
		}
		zone := di.Zone[blk]
		if zone == common.NO_BLOCK {
			continue
		}
		block, err := c.read(uint32(zone))
		if err != nil {
			return err
		}
		var de common.Disk_Dirent
		if err := de.Decode(block, i%common.DIR_ENTRIES_PER_BLOCK); err != nil {
			return err
		}
		if de.Inum == common.NO_INODE {
			continue
		}
		switch de.NameString() {
		case ".":
			dot = true
			if de.Inum != num {
				c.errorf("directory %d: . is %d", num, de.Inum)
			}
		case "..":
			dotdot = true
		}
		if de.Inum > c.sb.Ninodes {
			c.errorf("directory %d: %q names bad inode %d", num, de.NameString(), de.Inum)
			continue
		}
		c.links[de.Inum]++
	}
	if !dot || !dotdot {
		c.errorf("directory %d: missing . or ..", num)
	}
	return nil
}

func (c *checker) compare(name string, want []byte, first uint32, nblocks uint16, nbits int) error {
	for b := uint32(0); b < uint32(nblocks); b++ {
		have, err := c.read(first + b)
		if err != nil {
			return err
		}
		for i := 0; i < common.BITS_PER_BLOCK; i++ {
			bit := int(b)*common.BITS_PER_BLOCK + i
			if bit == 0 || bit >= nbits {
				continue
			}
			w, h := bitSet(want, bit), bitSet(have, i)
			switch {
			case w && !h:
				c.errorf("%s %d is missing", name, bit)
			case !w && h:
				c.errorf("%s %d is not free", name, bit)
			}
		}
	}
	return nil
}

// check returns the inconsistencies of the filesystem on disk.
func check(disk device.Disk) ([]string, error) {
	sb, err := readSuper(disk)
	if err != nil {
		return nil, err
	}
	c := &checker{
		disk:  disk,
		sb:    sb,
		imap:  make([]byte, int(sb.Imap_blocks)*common.BLOCK_SIZE),
		zmap:  make([]byte, int(sb.Zmap_blocks)*common.BLOCK_SIZE),
		links: make(map[uint16]int),
	}
	if uint32(sb.Nzones) > disk.Size() {
		c.errorf("superblock: %d zones on a %d block device", sb.Nzones, disk.Size())
	}

	nlinks := make(map[uint16]uint8)
	for num := uint16(1); num <= sb.Ninodes; num++ {
		di, err := c.readInode(num)
		if err != nil {
			return nil, err
		}
		if di.Mode == 0 {
			continue
		}
		setBit(c.imap, int(num))
		nlinks[num] = di.Nlinks
		switch di.Mode & common.I_TYPE {
		case common.I_DIRECTORY:
			err = c.zones(num, &di)
			if err == nil {
				err = c.entries(num, &di)
			}
		case common.I_REGULAR:
			err = c.zones(num, &di)
		case common.I_BLOCK_SPECIAL, common.I_CHAR_SPECIAL:
		default:
			c.errorf("inode %d: bad mode %06o", num, di.Mode)
		}
		if err != nil {
			return nil, err
		}
	}

	for num, n := range nlinks {
		if int(n) != c.links[num] {
			c.errorf("inode %d: link count %d, %d entries", num, n, c.links[num])
		}
	}
	for num := range c.links {
		if _, ok := nlinks[num]; !ok {
			c.errorf("inode %d: named but free", num)
		}
	}

	if err := c.compare("inode", c.imap, 2, sb.Imap_blocks, int(sb.Ninodes)+1); err != nil {
		return nil, err
	}
	zbits := int(sb.Nzones) - int(sb.Firstdatazone) + 1
	if err := c.compare("zone", c.zmap, 2+uint32(sb.Imap_blocks), sb.Zmap_blocks, zbits); err != nil {
		return nil, err
	}
	return c.problems, nil
}
