package journal

import (
	"fmt"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal/format"
)

// LoadInfo reads and validates the journal superblock. A superblock
// that fails its checksum or its geometry check makes the whole log
// unparseable, so failure here aborts the mount.
func LoadInfo(d disk.Disk, cfg Config) (format.Info, error) {
	b, err := d.Read(cfg.InfoStartBlock())
	if err != nil {
		return format.Info{}, fmt.Errorf("read journal info block: %w", err)
	}
	info, err := format.UnmarshalInfo(b)
	if err != nil {
		return format.Info{}, fmt.Errorf("journal info block unusable: %w", err)
	}
	if err := info.Validate(cfg.EntriesLength()); err != nil {
		return format.Info{}, err
	}
	return info, nil
}

func storeInfo(d disk.Disk, cfg Config, info format.Info) error {
	if err := d.WriteBatch(cfg.InfoStartBlock(), []disk.Block{info.Marshal()}); err != nil {
		return fmt.Errorf("write journal info block: %w", err)
	}
	if err := d.Barrier(); err != nil {
		return fmt.Errorf("flush journal info block: %w", err)
	}
	return nil
}

// Format initializes an empty journal region: a fresh info block and a
// zeroed entries region, so the first replay stops immediately.
func Format(d disk.Disk, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	zero := make([]byte, disk.BlockSize)
	for i := uint64(0); i < cfg.EntriesLength(); i++ {
		if err := d.Write(cfg.EntriesStartBlock()+i, zero); err != nil {
			return fmt.Errorf("zero journal entries region: %w", err)
		}
	}
	return storeInfo(d, cfg, format.Info{})
}
