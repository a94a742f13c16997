package debug

import (
	"bytes"
	"fmt"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/config"
	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Logger returns the log entry for one kernel subsystem.
func Logger(subsys string) *logrus.Entry {
	return base.WithField("subsys", subsys)
}

// Configure sets the level and formatter shared by every subsystem logger.
func Configure(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	base.SetLevel(level)
	switch cfg.LogFormat {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("debug: unknown log format %q", cfg.LogFormat)
	}
	return nil
}

// Base exposes the root logger so tools and tests can redirect its output.
func Base() *logrus.Logger { return base }

// PrintDirBlock logs the used entries of a directory block.
func PrintDirBlock(log *logrus.Entry, data []byte) {
	buf := bytes.NewBuffer(nil)
	for i := 0; i < common.DIR_ENTRIES_PER_BLOCK; i++ {
		var de common.Disk_Dirent
		if de.Decode(data, i) != nil || de.Inum == common.NO_INODE {
			continue
		}
		fmt.Fprintf(buf, "Entry %8d: %q at inode %8d\n", i, de.NameString(), de.Inum)
	}
	log.Debugf("Block data follows:\n%s", buf.String())
}

// PrintInodeBlock logs the used inodes of an inode table block. 'first' is the
// number of the first inode stored in the block.
func PrintInodeBlock(log *logrus.Entry, data []byte, first int) {
	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%8s %-16s %8s %8s %s\n", "INODE #", "MODE", "NLINKS", "SIZE", "ZONES")
	for i := 0; i < common.INODES_PER_BLOCK; i++ {
		var di common.Disk_Inode
		if di.Decode(data, i) != nil || di.Mode == 0 || di.Nlinks == 0 {
			continue
		}
		fmt.Fprintf(buf, "%8d %16b %8d %8d %v\n", first+i, di.Mode, di.Nlinks, di.Size, di.Zone)
	}
	log.Debugf("Block data follows:\n%s", buf.String())
}
