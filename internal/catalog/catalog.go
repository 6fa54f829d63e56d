// Package catalog derives the model inventory from the models directory.
// Nothing here is persisted: every scan walks the live filesystem, and
// sharded sets are folded into one entry keyed on their first shard.
package catalog

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/appkitstudio/llamactl/internal/state"
	"github.com/appkitstudio/llamactl/pkg/models"
)

// shardPattern matches <base>(-part)?-NNNNN-of-NNNNN.gguf, case-insensitive.
var shardPattern = regexp.MustCompile(`(?i)^(.+?)(-part)?-(\d{5})-of-(\d{5})\.gguf$`)

// ShardInfo is the decomposition of a sharded filename.
type ShardInfo struct {
	Base  string
	Part  bool
	Index int
	Total int
}

// ParseShard reports whether filename names one shard of a split model.
func ParseShard(filename string) (ShardInfo, bool) {
	m := shardPattern.FindStringSubmatch(filename)
	if m == nil {
		return ShardInfo{}, false
	}
	index, _ := strconv.Atoi(m[3])
	total, _ := strconv.Atoi(m[4])
	return ShardInfo{Base: m[1], Part: m[2] != "", Index: index, Total: total}, true
}

// DirProvider hands the catalog its root. The state store implements it,
// which keeps this package from reading global config directly.
type DirProvider interface {
	ModelsDir() string
}

type Catalog struct {
	dir DirProvider
}

func New(dir DirProvider) *Catalog {
	return &Catalog{dir: dir}
}

// Scan walks the models directory for gguf files. Shards with index > 1
// are suppressed from the listing and folded into their set's entry;
// a set whose first shard is missing has no entry at all.
func (c *Catalog) Scan() ([]models.ModelInfo, error) {
	root := c.dir.ModelsDir()
	type shardSet struct {
		entry  *models.ModelInfo
		info   ShardInfo
		shards map[int]string
		sizes  map[int]int64
	}
	sets := make(map[string]*shardSet)
	var singles []models.ModelInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			log.Warn().Err(err).Str("path", path).Msg("model scan error, skipping")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.EqualFold(filepath.Ext(name), ".gguf") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}

		if sh, ok := ParseShard(name); ok {
			key := filepath.Join(filepath.Dir(path), strings.ToLower(sh.Base)) + "|" + strconv.Itoa(sh.Total)
			set := sets[key]
			if set == nil {
				set = &shardSet{
					info:   sh,
					shards: make(map[int]string),
					sizes:  make(map[int]int64),
				}
				sets[key] = set
			}
			set.shards[sh.Index] = path
			set.sizes[sh.Index] = fi.Size()
			if sh.Index == 1 {
				set.entry = &models.ModelInfo{
					Filename:      name,
					Path:          path,
					Modified:      fi.ModTime(),
					Sharded:       true,
					ShardCount:    sh.Total,
					BaseModelName: sh.Base,
				}
			}
			return nil
		}

		singles = append(singles, models.ModelInfo{
			Filename:      name,
			Path:          path,
			Size:          fi.Size(),
			Modified:      fi.ModTime(),
			BaseModelName: strings.TrimSuffix(name, filepath.Ext(name)),
			Exists:        true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := singles
	for _, set := range sets {
		if set.entry == nil {
			log.Warn().Str("base", set.info.Base).Int("total", set.info.Total).
				Msg("sharded set has no first shard, hiding from listing")
			continue
		}
		entry := *set.entry
		for i := 1; i <= entry.ShardCount; i++ {
			p, ok := set.shards[i]
			if !ok {
				continue
			}
			entry.ShardPaths = append(entry.ShardPaths, p)
			entry.Size += set.sizes[i]
		}
		entry.Exists = len(entry.ShardPaths) == entry.ShardCount
		if !entry.Exists {
			log.Warn().Str("model", entry.Filename).
				Int("have", len(entry.ShardPaths)).Int("want", entry.ShardCount).
				Msg("sharded model is incomplete")
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// Resolve maps a user-supplied reference to a catalog entry. Tries, in
// order: absolute path, <dir>/<ref>, <dir>/<ref>.gguf, a scan matching
// baseModelName, a scan matching filename without extension.
func (c *Catalog) Resolve(ref string) (*models.ModelInfo, error) {
	root := c.dir.ModelsDir()
	var tried []string

	if filepath.IsAbs(ref) {
		tried = append(tried, ref)
		if info, err := c.entryForPath(ref); err == nil {
			return info, nil
		}
	}

	direct := filepath.Join(root, ref)
	tried = append(tried, direct)
	if info, err := c.entryForPath(direct); err == nil {
		return info, nil
	}

	if !strings.EqualFold(filepath.Ext(ref), ".gguf") {
		withExt := filepath.Join(root, ref+".gguf")
		tried = append(tried, withExt)
		if info, err := c.entryForPath(withExt); err == nil {
			return info, nil
		}
	}

	entries, err := c.Scan()
	if err != nil {
		return nil, err
	}
	stripped := strings.TrimSuffix(ref, ".gguf")
	for i := range entries {
		if entries[i].BaseModelName == ref || entries[i].BaseModelName == stripped {
			return &entries[i], nil
		}
	}
	for i := range entries {
		stem := strings.TrimSuffix(entries[i].Filename, filepath.Ext(entries[i].Filename))
		if stem == ref {
			return &entries[i], nil
		}
	}

	log.Debug().Str("ref", ref).Strs("tried", tried).Msg("model resolution failed")
	return nil, &state.ErrNotFound{Entity: "model", Key: ref}
}

// entryForPath stats a concrete path and returns its catalog entry. For a
// file inside a sharded set, the whole set's entry is returned.
func (c *Catalog) entryForPath(path string) (*models.ModelInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, &state.ErrNotFound{Entity: "model", Key: path}
	}
	name := filepath.Base(path)
	if sh, ok := ParseShard(name); ok {
		if entry := c.shardEntryFor(path, sh); entry != nil {
			return entry, nil
		}
	}
	return &models.ModelInfo{
		Filename:      name,
		Path:          path,
		Size:          fi.Size(),
		Modified:      fi.ModTime(),
		BaseModelName: strings.TrimSuffix(name, filepath.Ext(name)),
		Exists:        true,
	}, nil
}

// shardEntryFor rebuilds the set entry from the siblings of one shard.
func (c *Catalog) shardEntryFor(path string, sh ShardInfo) *models.ModelInfo {
	dir := filepath.Dir(path)
	listing, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var entry *models.ModelInfo
	shards := make(map[int]string)
	sizes := make(map[int]int64)
	for _, e := range listing {
		if e.IsDir() {
			continue
		}
		s, ok := ParseShard(e.Name())
		if !ok || !strings.EqualFold(s.Base, sh.Base) || s.Total != sh.Total {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(dir, e.Name())
		shards[s.Index] = p
		sizes[s.Index] = fi.Size()
		if s.Index == 1 {
			entry = &models.ModelInfo{
				Filename:      e.Name(),
				Path:          p,
				Modified:      fi.ModTime(),
				Sharded:       true,
				ShardCount:    s.Total,
				BaseModelName: s.Base,
			}
		}
	}
	if entry == nil {
		return nil
	}
	for i := 1; i <= entry.ShardCount; i++ {
		if p, ok := shards[i]; ok {
			entry.ShardPaths = append(entry.ShardPaths, p)
			entry.Size += sizes[i]
		}
	}
	entry.Exists = len(entry.ShardPaths) == entry.ShardCount
	return entry
}
