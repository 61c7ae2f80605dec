package store

import (
	"errors"
	"log/slog"
)

// Tiered composes a primary and a backup store. Writes go to the primary
// and are mirrored best-effort to the backup; reads prefer the primary,
// fall back to the backup, and repair the primary from a backup hit.
type Tiered struct {
	Primary Store
	Backup  Store
}

// NewTiered composes the two tiers.
func NewTiered(primary, backup Store) *Tiered {
	return &Tiered{Primary: primary, Backup: backup}
}

// Write stores data in the primary tier and mirrors it to the backup.
// A backup failure is logged, never returned: the caller must not fail
// because the mirror is unavailable.
func (t *Tiered) Write(key string, data []byte) error {
	if err := t.Primary.Write(key, data); err != nil {
		return err
	}
	if err := t.Backup.Write(key, data); err != nil {
		slog.Warn("backup tier write failed", "key", key, "err", err)
	}
	return nil
}

// Read returns the bytes for key and the tier that produced them.
// An optional validate func lets the caller treat unparseable primary
// data as corrupt and fall through to the backup.
func (t *Tiered) Read(key string, validate func([]byte) error) ([]byte, Source, error) {
	data, err := t.Primary.Read(key)
	if err == nil && validate != nil {
		if verr := validate(data); verr != nil {
			slog.Warn("primary tier corrupt", "key", key, "err", verr)
			err = ErrCorrupt
		}
	}
	if err == nil {
		return data, SourcePrimary, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupt) {
		// I/O-level read failure also falls through to the backup
		slog.Warn("primary tier read failed", "key", key, "err", err)
	}

	data, berr := t.Backup.Read(key)
	if berr != nil {
		if errors.Is(berr, ErrNotFound) && errors.Is(err, ErrNotFound) {
			return nil, "", ErrNotFound
		}
		// Nothing usable in either tier; report the primary's failure mode.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) {
			return nil, "", err
		}
		return nil, "", err
	}
	if validate != nil {
		if verr := validate(data); verr != nil {
			return nil, "", ErrCorrupt
		}
	}

	// Backup hit: re-seed the primary so the next read is first-tier.
	if rerr := t.Primary.Write(key, data); rerr != nil {
		slog.Warn("primary tier repair failed", "key", key, "err", rerr)
	}
	return data, SourceBackup, nil
}

// Delete removes key from both tiers. The first error wins but both
// tiers are attempted.
func (t *Tiered) Delete(key string) error {
	perr := t.Primary.Delete(key)
	berr := t.Backup.Delete(key)
	if perr != nil {
		return perr
	}
	return berr
}
