package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/elee1766/godefrag/pkg/ntfs/ntfstest"
)

// CLI writes a synthetic fragmented NTFS image
type CLI struct {
	Out      string `arg:"" help:"Output image path"`
	Clusters uint64 `default:"65536" help:"Volume size in clusters"`
	Files    int    `default:"256" help:"Number of user files"`
	Seed     int64  `default:"1" help:"Random seed"`
	Force    bool   `short:"f" help:"Overwrite an existing file"`
}

func (c *CLI) Run() error {
	b, err := ntfstest.RandomVolume(c.Seed, c.Clusters, c.Files)
	if err != nil {
		return err
	}
	img, err := b.Build()
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if c.Force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(c.Out, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fragmented := 0
	for _, file := range b.Files() {
		if len(file.Runs) > 1 {
			fragmented++
		}
	}
	fmt.Printf("Wrote %s: %s, %d clusters of %s, %d files (%d fragmented)\n",
		c.Out, humanize.IBytes(uint64(len(img))), c.Clusters,
		humanize.IBytes(uint64(b.ClusterSize())), len(b.Files()), fragmented)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("ntfsimg"),
		kong.Description("Write a synthetic fragmented NTFS image"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
