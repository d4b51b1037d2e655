// Command merklefs exposes a mutable file system rooted in a local
// badger datastore. Every mutating command prints the new root CID, so
// runs against the same repo directory build on each other.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	datastore "github.com/ipfs/go-datastore"
	badger "github.com/ipfs/go-ds-badger"

	"github.com/merklefs/merklefs/blockservice"
	"github.com/merklefs/merklefs/blockstore"
	"github.com/merklefs/merklefs/exchange/offline"
	"github.com/merklefs/merklefs/fileops"
	dag "github.com/merklefs/merklefs/merkledag"
	"github.com/merklefs/merklefs/mfs"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

const usage = `Usage:
  %s <repo-dir> <command> [args]

Commands:
  root                      print the current root CID
  ls <path>                 list a directory
  mkdir <path>              create a directory (with parents)
  write <path>              write stdin to a file at path
  read <path>               print file contents to stdout
  stat <path>               show node information
  cp <src> <dst>            copy (by link, no data duplication)
  mv <src> <dst>            move
  rm <path>                 remove recursively
`

func main() {
	err := mainRet()
	if err != nil {
		os.Stderr.WriteString(err.Error())
		os.Stderr.WriteString("\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func mainRet() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("expected a repo directory and a command\n"+usage, os.Args[0])
	}
	repo, command := os.Args[1], os.Args[2]
	args := os.Args[3:]

	ctx := context.Background()

	ds, err := badger.NewDatastore(repo, &badger.DefaultOptions)
	if err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer ds.Close()

	bstore := blockstore.NewBlockstore(ds)
	dserv := dag.NewDAGService(blockservice.New(bstore, offline.Exchange(bstore)))

	root, err := loadRoot(ctx, ds, dserv)
	if err != nil {
		return err
	}
	defer root.Close()

	fs := fileops.New(root, dserv, bstore)

	if err := runCommand(ctx, fs, command, args); err != nil {
		return err
	}

	c, err := fs.Flush(ctx, "/")
	if err != nil {
		return fmt.Errorf("flushing root: %w", err)
	}
	return saveRoot(ctx, ds, c)
}

func runCommand(ctx context.Context, fs *fileops.FS, command string, args []string) error {
	switch command {
	case "root":
		c, err := fs.Flush(ctx, "/")
		if err != nil {
			return err
		}
		fmt.Println(c)
		return nil
	case "ls":
		entries, err := fs.List(ctx, arg(args, 0, "/"), fileops.ListOptions{Long: true})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%d\t%s\n", e.Name, e.Size, e.Hash)
		}
		return nil
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("mkdir takes one path")
		}
		return fs.MakeDirectory(ctx, args[0], fileops.MkdirOptions{Parents: true, ModTime: time.Now()})
	case "write":
		if len(args) != 1 {
			return fmt.Errorf("write takes one path")
		}
		return fs.Write(ctx, args[0], os.Stdin, fileops.WriteOptions{
			Create:   true,
			Parents:  true,
			Truncate: true,
			ModTime:  time.Now(),
		})
	case "read":
		if len(args) != 1 {
			return fmt.Errorf("read takes one path")
		}
		return fs.Read(ctx, args[0], os.Stdout, fileops.ReadOptions{})
	case "stat":
		st, err := fs.Stat(ctx, arg(args, 0, "/"), fileops.StatOptions{})
		if err != nil {
			return err
		}
		fmt.Printf("%s\n  type: %s\n  size: %d\n  cumulative: %d\n  blocks: %d\n",
			st.Hash, st.Type, st.Size, st.CumulativeSize, st.Blocks)
		return nil
	case "cp":
		if len(args) != 2 {
			return fmt.Errorf("cp takes a source and a destination")
		}
		return fs.Copy(ctx, args[0], args[1], fileops.CopyOptions{Flush: true})
	case "mv":
		if len(args) != 2 {
			return fmt.Errorf("mv takes a source and a destination")
		}
		return fs.Move(ctx, args[0], args[1], fileops.MoveOptions{Flush: true})
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("rm takes one path")
		}
		return fs.Remove(ctx, args[:1], fileops.RemoveOptions{Recursive: true})
	default:
		return fmt.Errorf("unknown command %q\n"+usage, command, os.Args[0])
	}
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

var rootKey = datastore.NewKey("/local/filesroot")

// loadRoot reads the persisted root CID, or starts an empty tree when
// the repo is fresh.
func loadRoot(ctx context.Context, ds datastore.Datastore, dserv ipld.DAGService) (*mfs.Root, error) {
	val, err := ds.Get(ctx, rootKey)
	switch {
	case err == nil:
		c, err := cid.Cast(val)
		if err != nil {
			return nil, fmt.Errorf("decoding stored root: %w", err)
		}
		nd, err := dserv.Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("loading stored root %s: %w", c, err)
		}
		pbnd, ok := nd.(*dag.ProtoNode)
		if !ok {
			return nil, fmt.Errorf("stored root %s is not a directory node", c)
		}
		return mfs.NewRoot(ctx, dserv, pbnd, nil)
	case err == datastore.ErrNotFound:
		return mfs.NewEmptyRoot(ctx, dserv, nil)
	default:
		return nil, fmt.Errorf("reading stored root: %w", err)
	}
}

func saveRoot(ctx context.Context, ds datastore.Datastore, c cid.Cid) error {
	fmt.Println(c)
	return ds.Put(ctx, rootKey, c.Bytes())
}
