package discovery

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/securefile"
	"github.com/kc1awv/rrc-web/sanitize"
)

// maxHubNameLen bounds persisted hub display names.
const maxHubNameLen = 200

// storedHub mirrors Hub for decoding. LastSeen is a float so caches written
// with sub-second timestamps still load.
type storedHub struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Aspect   string  `json:"aspect"`
	LastSeen float64 `json:"last_seen"`
}

// Load reads a hub cache file. The cache is advisory, so nothing here is
// fatal: a missing, oversized, or corrupt file yields an empty catalog, and
// entries that fail validation are skipped one by one.
func Load(path string, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	c := NewCatalog()

	data, err := securefile.ReadFileCapped(path, defaults.MaxDiscoveryFileBytes)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("no hub cache file, starting empty", "path", path)
		} else {
			log.Warn("cannot read hub cache, starting empty", "path", path, "err", err)
		}
		return c
	}

	var stored map[string]storedHub
	if err := json.Unmarshal(data, &stored); err != nil {
		log.Warn("hub cache is corrupt, starting empty", "path", path, "err", err)
		return c
	}

	maxFuture := time.Now().Add(defaults.MaxTimestampSkew).Unix()
	dropped := 0
	for key, s := range stored {
		hub, ok := validateStored(key, s, maxFuture)
		if !ok {
			dropped++
			continue
		}
		c.hubs[hub.Hash] = hub
	}
	if dropped > 0 {
		log.Warn("dropped invalid hub cache entries", "dropped", dropped, "kept", c.Len())
	} else {
		log.Debug("loaded hub cache", "hubs", c.Len(), "path", path)
	}
	return c
}

func validateStored(key string, s storedHub, maxFuture int64) (Hub, bool) {
	if !validHashKey(key) {
		return Hub{}, false
	}
	if s.Hash != key {
		return Hub{}, false
	}
	name := sanitize.DisplayName(s.Name, maxHubNameLen)
	if name == "" {
		return Hub{}, false
	}
	lastSeen := int64(s.LastSeen)
	if s.LastSeen < 0 || lastSeen > maxFuture {
		return Hub{}, false
	}
	aspect := s.Aspect
	if aspect == "" {
		aspect = defaults.HubAspect
	}
	return Hub{Hash: key, Name: name, Aspect: aspect, LastSeen: lastSeen}, true
}

// validHashKey accepts exactly the form Save writes: 32 lowercase hex
// characters. Catalog keys are machine-written, so there is nothing to be
// lenient about.
func validHashKey(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Save writes the catalog to path atomically, creating the directory with
// owner-only permissions when needed.
func (c *Catalog) Save(path string) error {
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c.hubs, "", "  ")
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(path, data, 0o600)
}
