package common

import (
	"bytes"
	"encoding/binary"
)

// A superblock as stored on disk
type Disk_Superblock struct {
	Ninodes       uint16 // # of usable inodes on the minor device
	Nzones        uint16 // total device size, including bit maps, etc.
	Imap_blocks   uint16 // # of blocks used by inode bit map
	Zmap_blocks   uint16 // # of blocks used by zone bit map
	Firstdatazone uint16 // number of first data zone
	Log_zone_size uint16 // log2 of blocks/zone
	Max_size      uint32 // maximum file size on this device
	Magic         uint16 // magic number to recognize super-blocks
}

// An inode as stored on disk. There is a single timestamp; access and change
// times only live in memory.
type Disk_Inode struct {
	Mode   uint16 // file type, protection, etc.
	Uid    uint16 // user id of the file's owner
	Size   uint32 // current file size in bytes
	Mtime  uint32 // when was file data last changed
	Gid    uint8  // group number
	Nlinks uint8  // how many links to this file
	Zone   [NR_ZONES]uint16
}

type Disk_Dirent struct {
	Inum uint16
	Name [NAME_LEN]byte
}

func decode(b []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

func encode(b []byte, v interface{}) {
	buf := bytes.NewBuffer(make([]byte, 0, binary.Size(v)))
	// writing fixed-size values into a bytes.Buffer cannot fail
	binary.Write(buf, binary.LittleEndian, v)
	copy(b, buf.Bytes())
}

// Decode the superblock from the start of b.
func (sb *Disk_Superblock) Decode(b []byte) error { return decode(b, sb) }

// Encode the superblock into the start of b.
func (sb *Disk_Superblock) Encode(b []byte) { encode(b, sb) }

// Decode inode record 'slot' of an inode table block.
func (di *Disk_Inode) Decode(block []byte, slot int) error {
	off := slot * DISK_INODE_SIZE
	return decode(block[off:off+DISK_INODE_SIZE], di)
}

// Encode the inode into record 'slot' of an inode table block.
func (di *Disk_Inode) Encode(block []byte, slot int) {
	off := slot * DISK_INODE_SIZE
	encode(block[off:off+DISK_INODE_SIZE], di)
}

func (de *Disk_Dirent) Decode(block []byte, slot int) error {
	off := slot * DIR_ENTRY_SIZE
	return decode(block[off:off+DIR_ENTRY_SIZE], de)
}

func (de *Disk_Dirent) Encode(block []byte, slot int) {
	off := slot * DIR_ENTRY_SIZE
	encode(block[off:off+DIR_ENTRY_SIZE], de)
}

func NewDirent(inum uint16, name string) Disk_Dirent {
	de := Disk_Dirent{Inum: inum}
	copy(de.Name[:], name)
	return de
}

// Names are NUL-padded, and not terminated at all when they use the full
// NAME_LEN bytes.
func (de Disk_Dirent) NameString() string {
	n := bytes.IndexByte(de.Name[:], 0)
	if n < 0 {
		n = NAME_LEN
	}
	return string(de.Name[:n])
}

func (de Disk_Dirent) HasName(s string) bool {
	if len(s) > NAME_LEN {
		return false
	}
	return de.NameString() == s
}

// Zone numbers stored in an indirect block
func GetZone(block []byte, index int) uint16 {
	return binary.LittleEndian.Uint16(block[index*ZONE_NUM_SIZE:])
}

func PutZone(block []byte, index int, zone uint16) {
	binary.LittleEndian.PutUint16(block[index*ZONE_NUM_SIZE:], zone)
}
