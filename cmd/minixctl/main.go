package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jnwhiteh/minixkern/common"
	"github.com/jnwhiteh/minixkern/config"
	"github.com/jnwhiteh/minixkern/debug"
	"github.com/jnwhiteh/minixkern/device"
	"github.com/jnwhiteh/minixkern/fs"
	"github.com/jnwhiteh/minixkern/mkfs"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var rootDev = common.MkDev(3, 1)

func main() {
	app := cli.App{
		Name:        "minixctl",
		Usage:       "inspect and exercise minix v1 filesystem images",
		Description: "a command line interface to the kernel core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML file of tunables (MINIX_* variables override it)",
				EnvVars: []string{"MINIX_CONFIG"},
			},
		},
		Commands: []*cli.Command{{
			Name:      "mkfs",
			Usage:     "create an empty filesystem image",
			ArgsUsage: "IMAGE",
			Flags: []cli.Flag{
				&cli.UintFlag{
					Name:  "blocks",
					Usage: "size of the image in 1k blocks",
					Value: 1440,
				},
				&cli.IntFlag{
					Name:  "inodes",
					Usage: "number of inodes, 0 for one per three blocks",
				},
			},
			Action: func(ctx *cli.Context) error {
				path, err := imageArg(ctx)
				if err != nil {
					return err
				}
				disk, err := device.NewFileDisk(path, uint32(ctx.Uint("blocks")))
				if err != nil {
					return fmt.Errorf("creating %s: %w", path, err)
				}
				sb, err := mkfs.Format(disk, ctx.Int("inodes"), time.Now())
				if err != nil {
					disk.Close()
					return err
				}
				fmt.Printf("%d blocks, %d inodes, first data zone %d\n",
					sb.Nzones, sb.Ninodes, sb.Firstdatazone)
				if err := disk.Barrier(); err != nil {
					disk.Close()
					return err
				}
				return disk.Close()
			},
		}, {
			Name:      "super",
			Usage:     "print the superblock and free counts",
			ArgsUsage: "IMAGE",
			Action: withSystem(true, func(sys *fs.FileSystem, disk device.Disk, ctx *cli.Context) error {
				sb, err := readSuper(disk)
				if err != nil {
					return err
				}
				zones, inodes, err := sys.Free(rootDev)
				if err != nil {
					return err
				}
				fmt.Printf("ninodes:       %d\n", sb.Ninodes)
				fmt.Printf("nzones:        %d\n", sb.Nzones)
				fmt.Printf("imap_blocks:   %d\n", sb.Imap_blocks)
				fmt.Printf("zmap_blocks:   %d\n", sb.Zmap_blocks)
				fmt.Printf("firstdatazone: %d\n", sb.Firstdatazone)
				fmt.Printf("log_zone_size: %d\n", sb.Log_zone_size)
				fmt.Printf("max_size:      %d\n", sb.Max_size)
				fmt.Printf("magic:         %#x\n", sb.Magic)
				fmt.Printf("%d/%d free blocks\n", zones, int(sb.Nzones)-int(sb.Firstdatazone))
				fmt.Printf("%d/%d free inodes\n", inodes, sb.Ninodes)
				return nil
			}),
		}, {
			Name:      "check",
			Usage:     "verify both bitmaps against the inode table and block maps",
			ArgsUsage: "IMAGE",
			Action: func(ctx *cli.Context) error {
				path, err := imageArg(ctx)
				if err != nil {
					return err
				}
				disk, err := device.OpenFileDisk(path, true)
				if err != nil {
					return err
				}
				defer disk.Close()
				problems, err := check(disk)
				if err != nil {
					return err
				}
				for _, p := range problems {
					fmt.Println(p)
				}
				if len(problems) > 0 {
					return fmt.Errorf("%s: %d problems", path, len(problems))
				}
				fmt.Printf("%s: clean\n", path)
				return nil
			},
		}, {
			Name:      "dump",
			Usage:     "log the inodes or directory entries held in a block",
			ArgsUsage: "IMAGE BLOCK",
			Action: func(ctx *cli.Context) error {
				path, err := imageArg(ctx)
				if err != nil {
					return err
				}
				block, err := strconv.ParseUint(ctx.Args().Get(1), 0, 16)
				if err != nil {
					return fmt.Errorf("bad block number: %w", err)
				}
				disk, err := device.OpenFileDisk(path, true)
				if err != nil {
					return err
				}
				defer disk.Close()
				debug.Base().SetOutput(os.Stdout)
				debug.Base().SetLevel(logrus.DebugLevel)
				return dump(disk, uint32(block))
			},
		}, {
			Name:      "ls",
			Usage:     "list a directory",
			ArgsUsage: "IMAGE [PATH]",
			Action: withSystem(true, func(sys *fs.FileSystem, _ device.Disk, ctx *cli.Context) error {
				dir := "/"
				if ctx.NArg() > 1 {
					dir = ctx.Args().Get(1)
				}
				names, err := sys.ReadDir(dir)
				if err != nil {
					return err
				}
				for _, name := range names {
					_, num, err := sys.Lookup(dir + "/" + name)
					if err != nil {
						return err
					}
					st, err := sys.Stat(dir + "/" + name)
					if err != nil {
						return err
					}
					fmt.Printf("%5d %s %2d %4d %4d %8d %s\n", num, modeString(st.Mode),
						st.Nlinks, st.Uid, st.Gid, st.Size, name)
				}
				return nil
			}),
		}, {
			Name:      "cat",
			Usage:     "copy a file of the image to standard output",
			ArgsUsage: "IMAGE PATH",
			Action: withSystem(true, func(sys *fs.FileSystem, _ device.Disk, ctx *cli.Context) error {
				if ctx.NArg() < 2 {
					return fmt.Errorf("usage: cat IMAGE PATH")
				}
				f, err := sys.Open(context.Background(), ctx.Args().Get(1), common.O_RDONLY, 0)
				if err != nil {
					return err
				}
				defer sys.Close(f)
				buf := make([]byte, common.PAGE_SIZE)
				for {
					n, err := sys.Read(context.Background(), f, buf)
					if err != nil {
						return err
					}
					if n == 0 {
						return nil
					}
					if _, err := os.Stdout.Write(buf[:n]); err != nil {
						return err
					}
				}
			}),
		}, {
			Name:      "put",
			Usage:     "copy a host file into the image",
			ArgsUsage: "IMAGE SRC DST",
			Action: withSystem(false, func(sys *fs.FileSystem, _ device.Disk, ctx *cli.Context) error {
				if ctx.NArg() < 3 {
					return fmt.Errorf("usage: put IMAGE SRC DST")
				}
				data, err := os.ReadFile(ctx.Args().Get(1))
				if err != nil {
					return err
				}
				f, err := sys.Open(context.Background(), ctx.Args().Get(2),
					common.O_CREAT|common.O_WRONLY|common.O_TRUNC, 0644)
				if err != nil {
					return err
				}
				if _, err := sys.Write(context.Background(), f, data); err != nil {
					sys.Close(f)
					return err
				}
				return sys.Close(f)
			}),
		}, {
			Name:      "demo",
			Usage:     "run two processes sharing a demand-loaded executable",
			ArgsUsage: "IMAGE",
			Action: withSystem(false, func(sys *fs.FileSystem, _ device.Disk, ctx *cli.Context) error {
				return demo(sys, os.Stdout)
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func imageArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() < 1 {
		return "", fmt.Errorf("missing IMAGE argument")
	}
	return ctx.Args().First(), nil
}

func readSuper(disk device.Disk) (common.Disk_Superblock, error) {
	var sb common.Disk_Superblock
	block := make([]byte, common.BLOCK_SIZE)
	if err := disk.ReadTo(common.SUPER_BLOCK, block); err != nil {
		return sb, err
	}
	if err := sb.Decode(block); err != nil {
		return sb, err
	}
	if sb.Magic != common.SUPER_MAGIC {
		return sb, fmt.Errorf("bad magic number %#x", sb.Magic)
	}
	return sb, nil
}

// dump logs block as a block of the inode table when it lies in it, and as a
// directory block otherwise.
func dump(disk device.Disk, block uint32) error {
	sb, err := readSuper(disk)
	if err != nil {
		return err
	}
	data := make([]byte, common.BLOCK_SIZE)
	if err := disk.ReadTo(block, data); err != nil {
		return err
	}
	log := debug.Logger("minixctl").WithField("block", block)
	itable := 2 + uint32(sb.Imap_blocks) + uint32(sb.Zmap_blocks)
	if block >= itable && block < uint32(sb.Firstdatazone) {
		debug.PrintInodeBlock(log, data, int(block-itable)*common.INODES_PER_BLOCK+1)
	} else {
		debug.PrintDirBlock(log, data)
	}
	return nil
}

// withSystem boots a system with the image as its root device around f, and
// shuts it down afterwards.
func withSystem(readonly bool, f func(*fs.FileSystem, device.Disk, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		path, err := imageArg(ctx)
		if err != nil {
			return err
		}
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return err
		}
		disk, err := device.OpenFileDisk(path, readonly)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		sys, err := fs.New(cfg)
		if err != nil {
			disk.Close()
			return err
		}
		if err := sys.AttachDevice(rootDev, disk); err != nil {
			disk.Close()
			return err
		}
		if err := sys.MountRoot(rootDev); err != nil {
			sys.Driver().Close()
			return err
		}
		ferr := f(sys, disk, ctx)
		if readonly {
			// nothing may be written back to a read-only image
			if err := sys.Driver().Close(); err != nil && ferr == nil {
				ferr = err
			}
			return ferr
		}
		if err := sys.Shutdown(); err != nil && ferr == nil {
			ferr = err
		}
		return ferr
	}
}

var ifmt = []byte("0pcCd?bB-?l?s???")

func modeString(mode uint16) string {
	rwx := []byte("?rwxrwxrwx")
	rwx[0] = ifmt[(mode>>12)&0xF]
	for i := 0; i < 9; i++ {
		if mode&(1<<(8-i)) == 0 {
			rwx[i+1] = '-'
		}
	}
	if mode&common.I_SET_UID_BIT != 0 && mode&0100 != 0 {
		rwx[3] = 's'
	}
	if mode&common.I_SET_GID_BIT != 0 && mode&0010 != 0 {
		rwx[6] = 's'
	}
	return string(rwx)
}

// demo writes a small executable, runs it twice and shows that the second
// process shares the pages the first one loaded.
func demo(sys *fs.FileSystem, out io.Writer) error {
	ctx := context.Background()
	image := make([]byte, common.BLOCK_SIZE+2*common.PAGE_SIZE)
	for i := common.BLOCK_SIZE; i < len(image); i++ {
		image[i] = byte(i)
	}
	f, err := sys.Open(ctx, "/demo", common.O_CREAT|common.O_WRONLY|common.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := sys.Write(ctx, f, image); err != nil {
		sys.Close(f)
		return err
	}
	if err := sys.Close(f); err != nil {
		return err
	}
	defer sys.Unlink("/demo")

	mem := sys.Memory()
	buf := make([]byte, 2*common.PAGE_SIZE)
	report := func(what string) {
		s := sys.Stats()
		reads, writes := sys.Driver().Stats(rootDev)
		fmt.Fprintf(out, "%-24s %4d free frames, %d page tables, %d block reads, %d writes\n",
			what, s.Memory.Free, s.Memory.Tables, reads, writes)
	}

	report("booted")
	first, err := sys.Exec(ctx, "/demo")
	if err != nil {
		return err
	}
	defer sys.Exit(first)
	if err := mem.ReadUser(first, 0, buf); err != nil {
		return err
	}
	report("first process loaded")

	second, err := sys.Exec(ctx, "/demo")
	if err != nil {
		return err
	}
	defer sys.Exit(second)
	if err := mem.ReadUser(second, 0, buf); err != nil {
		return err
	}
	report("second process loaded")

	if err := mem.WriteUser(second, 0, []byte("private")); err != nil {
		return err
	}
	report("second process written")
	return nil
}
