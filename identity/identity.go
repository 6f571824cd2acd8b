// Package identity persists the operator's mesh identity on disk.
package identity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/securefile"
	"github.com/kc1awv/rrc-web/transport"
)

// LoadOrCreate restores the identity stored at path, minting and writing a
// fresh one when the file does not exist. A file that exists but cannot be
// parsed is an error, never overwritten; the private key it may still hold
// is worth more than a working default.
func LoadOrCreate(tr transport.Transport, path string, log *slog.Logger) (transport.Identity, error) {
	if log == nil {
		log = slog.Default()
	}

	data, err := securefile.ReadFileCapped(path, defaults.MaxIdentityFileBytes)
	switch {
	case err == nil:
		id, err := tr.LoadIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("load identity %s: %w", path, err)
		}
		// Identity files written by other tools may be group-readable.
		if runtime.GOOS != "windows" {
			if err := os.Chmod(path, 0o600); err != nil {
				log.Warn("cannot tighten identity file permissions", "path", path, "err", err)
			}
		}
		log.Info("loaded identity", "path", path, "hash", fmt.Sprintf("%x", id.Hash()))
		return id, nil

	case os.IsNotExist(err):
		id, err := tr.NewIdentity()
		if err != nil {
			return nil, fmt.Errorf("create identity: %w", err)
		}
		if err := securefile.MkdirAllOwnerOnly(filepath.Dir(path)); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
		if err := securefile.WriteFileAtomic(path, id.Bytes(), 0o600); err != nil {
			return nil, fmt.Errorf("write identity %s: %w", path, err)
		}
		log.Info("created new identity", "path", path, "hash", fmt.Sprintf("%x", id.Hash()))
		return id, nil

	default:
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
}
