package common

// Layout of the on-disk filesystem. All block numbers and zone numbers are
// 16-bit on disk; block 0 and inode 0 are reserved so that 0 can mean both
// "no block" and "allocation failed".
const (
	BLOCK_SIZE  = 1024   // bytes per block
	SUPER_MAGIC = 0x137F // magic number of the superblock
	BOOT_BLOCK  = 0      // unused
	SUPER_BLOCK = 1      // block number of the superblock

	I_MAP_SLOTS      = 8              // maximum number of inode bitmap blocks
	Z_MAP_SLOTS      = 8              // maximum number of zone bitmap blocks
	BITS_PER_BLOCK   = BLOCK_SIZE * 8 // bits covered by one bitmap block
	DISK_INODE_SIZE  = 32
	INODES_PER_BLOCK = BLOCK_SIZE / DISK_INODE_SIZE

	NAME_LEN              = 14
	DIR_ENTRY_SIZE        = 16
	DIR_ENTRIES_PER_BLOCK = BLOCK_SIZE / DIR_ENTRY_SIZE

	ZONE_NUM_SIZE = 2                          // bytes per zone number
	NR_INDIRECTS  = BLOCK_SIZE / ZONE_NUM_SIZE // zone numbers per indirect block
	NR_DZONES     = 7                          // direct zone numbers in an inode
	NR_ZONES      = NR_DZONES + 2              // direct, single and double indirect

	// The three ranges of the block map
	SINGLE_START = NR_DZONES
	DOUBLE_START = SINGLE_START + NR_INDIRECTS
	MAX_BLOCKS   = DOUBLE_START + NR_INDIRECTS*NR_INDIRECTS

	NO_BLOCK = 0
	NO_INODE = 0
	ROOT_INO = 1

	PAGE_SIZE       = 4096
	BLOCKS_PER_PAGE = PAGE_SIZE / BLOCK_SIZE
	PIPE_SIZE       = PAGE_SIZE

	MAX_FILE_SIZE = (NR_DZONES + NR_INDIRECTS + NR_INDIRECTS*NR_INDIRECTS) * BLOCK_SIZE
)

// File types and permission bits, as stored in the mode field of an inode.
const (
	I_TYPE          = 0170000
	I_REGULAR       = 0100000
	I_BLOCK_SPECIAL = 0060000
	I_DIRECTORY     = 0040000
	I_CHAR_SPECIAL  = 0020000
	I_NAMED_PIPE    = 0010000
	I_SET_UID_BIT   = 0004000
	I_SET_GID_BIT   = 0002000
	ALL_MODES       = 0006777
	RWX_MODES       = 0000777
)

// Flags accepted when opening a file
const (
	O_ACCMODE = 00003
	O_RDONLY  = 00
	O_WRONLY  = 01
	O_RDWR    = 02
	O_CREAT   = 00100
	O_TRUNC   = 01000
	O_APPEND  = 02000
)
