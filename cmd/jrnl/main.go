// Package jrnl holds the journal maintenance commands: formatting a
// journal region on an image, dumping committed entries, and running
// recovery offline.
package jrnl

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal"
	"github.com/slatefs/slatefs/utils/log"
)

const (
	usage     = "jrnl"
	short     = "Inspect and repair a slatefs journal"
	long      = "Operate on the journal region of a slatefs disk image: format, dump, replay"
	example   = "slatefs jrnl dump --offset 0 --length 64 image.blk"
	offsetMsg = "device block where the journal region begins"
	lengthMsg = "journal region size in blocks, info block included"
	configMsg = "path to a YAML file with journal_offset/journal_blocks"

	defaultJournalBlocks = 64
)

var (
	// Cmd is the jrnl command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	flagOffset     uint64
	flagLength     uint64
	flagConfigPath string
	flagImageSize  string

	initCmd = &cobra.Command{
		Use:     "init <image>",
		Short:   "Create an image with an empty journal region",
		Example: "slatefs jrnl init --size 16M --length 64 image.blk",
		Args:    cobra.ExactArgs(1),
		RunE:    executeInit,
	}

	dumpCmd = &cobra.Command{
		Use:     "dump <image>",
		Short:   "Print the committed journal entries of an image",
		Example: "slatefs jrnl dump image.blk",
		Args:    cobra.ExactArgs(1),
		RunE:    executeDump,
	}

	replayCmd = &cobra.Command{
		Use:     "replay <image>",
		Short:   "Run journal recovery against an image",
		Example: "slatefs jrnl replay image.blk",
		Args:    cobra.ExactArgs(1),
		RunE:    executeReplay,
	}
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	for _, c := range []*cobra.Command{initCmd, dumpCmd, replayCmd} {
		c.Flags().Uint64Var(&flagOffset, "offset", 0, offsetMsg)
		c.Flags().Uint64Var(&flagLength, "length", defaultJournalBlocks, lengthMsg)
		c.Flags().StringVar(&flagConfigPath, "config", "", configMsg)
		Cmd.AddCommand(c)
	}
	initCmd.Flags().StringVar(&flagImageSize, "size", "16M", "image size (accepts suffixes like 512K, 16M)")
}

// openImage opens an existing image as a disk, sized from the file.
func openImage(path string) (*disk.FileDisk, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	blocks := uint64(stat.Size()) / disk.BlockSize
	if blocks == 0 {
		return nil, fmt.Errorf("image %s is smaller than one %d-byte block", path, disk.BlockSize)
	}
	return disk.NewFileDisk(path, blocks)
}

func executeInit(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	g, err := resolveGeometry(flagConfigPath, flagOffset, flagLength)
	if err != nil {
		return err
	}
	size, err := bytefmt.ToBytes(flagImageSize)
	if err != nil {
		return fmt.Errorf("parse image size %q: %w", flagImageSize, err)
	}
	blocks := size / disk.BlockSize
	if g.JournalOffset+g.JournalBlocks > blocks {
		return fmt.Errorf("journal region [%d, %d) does not fit an image of %d blocks",
			g.JournalOffset, g.JournalOffset+g.JournalBlocks, blocks)
	}
	d, err := disk.NewFileDisk(args[0], blocks)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := journal.Format(d, g.journalConfig()); err != nil {
		return err
	}
	log.Info("initialized %s: %s, journal region [%d, %d)", args[0],
		bytefmt.ByteSize(blocks*disk.BlockSize), g.JournalOffset, g.JournalOffset+g.JournalBlocks)
	return nil
}

func executeDump(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	g, err := resolveGeometry(flagConfigPath, flagOffset, flagLength)
	if err != nil {
		return err
	}
	d, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer d.Close()

	cfg := g.journalConfig()
	info, err := journal.LoadInfo(d, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("info: start=%d sequence=%d\n", info.Start, info.SequenceNumber)

	entries := 0
	err = journal.InspectJournal(d, cfg, func(e journal.EntryInfo) error {
		entries++
		fmt.Printf("entry seq=%d at region offset %d, %d payload blocks (%s)\n",
			e.SequenceNumber, e.Position, len(e.Targets),
			bytefmt.ByteSize(uint64(len(e.Targets))*disk.BlockSize))
		for i, target := range e.Targets {
			escaped := ""
			if e.Escaped[i] {
				escaped = " (escaped)"
			}
			fmt.Printf("  payload %d -> device block %d%s\n", i, target, escaped)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d committed entries\n", entries)
	return nil
}

func executeReplay(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	g, err := resolveGeometry(flagConfigPath, flagOffset, flagLength)
	if err != nil {
		return err
	}
	d, err := openImage(args[0])
	if err != nil {
		return err
	}
	defer d.Close()

	info, err := journal.ReplayJournal(d, g.journalConfig())
	if err != nil {
		return err
	}
	log.Info("replay complete: start=%d next sequence=%d", info.Start, info.SequenceNumber)
	return nil
}
