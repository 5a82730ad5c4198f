// Package device holds the device registry: a read-mostly catalog populated at
// startup and extended at runtime by custom tree registrations.
package device

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Options controls how a Registry is populated.
type Options struct {
	// SkipBuiltin leaves out the built-in device list.
	SkipBuiltin bool
	// CatalogPath is an optional YAML catalog loaded at startup; its entries
	// replace built-ins with the same codename.
	CatalogPath string
	// CustomPath persists runtime registrations and reloads them on start.
	CustomPath string
}

// Registry is safe for concurrent use. Lookups take a read lock; Register
// takes the write lock so readers never observe a half-applied registration.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]Record
	customPath string
}

// NewRegistry builds a registry from built-ins, the catalog file and any
// previously persisted custom registrations.
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{
		devices:    make(map[string]Record),
		customPath: strings.TrimSpace(opts.CustomPath),
	}
	if !opts.SkipBuiltin {
		for _, rec := range Builtin() {
			r.devices[rec.Codename] = rec
		}
	}
	catalog, err := LoadCatalog(opts.CatalogPath)
	if err != nil {
		return nil, err
	}
	for _, rec := range catalog {
		if _, ok := r.devices[rec.Codename]; ok {
			log.Debug().Str("device", rec.Codename).Msg("device catalog overrides built-in entry")
		}
		rec.Custom = false
		r.devices[rec.Codename] = rec
	}
	custom, err := LoadCatalog(r.customPath)
	if err != nil {
		return nil, err
	}
	for _, rec := range custom {
		if _, ok := r.devices[rec.Codename]; ok {
			log.Warn().Str("device", rec.Codename).Msg("skip persisted custom device: codename already registered")
			continue
		}
		rec.Custom = true
		r.devices[rec.Codename] = rec
	}
	return r, nil
}

// Lookup returns the record for codename or ErrNotFound.
func (r *Registry) Lookup(codename string) (Record, error) {
	codename = strings.TrimSpace(codename)
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[codename]
	if !ok {
		return Record{}, errors.Wrapf(ErrNotFound, "device %q", codename)
	}
	return rec, nil
}

// Contains reports whether codename is registered.
func (r *Registry) Contains(codename string) bool {
	_, err := r.Lookup(codename)
	return err == nil
}

// List returns all records sorted by codename.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Codename) < strings.ToLower(out[j].Codename)
	})
	return out
}

// Register adds a custom device. The source locators are checked for syntax
// only; the first fetch happens on the first build. A codename that already
// exists, built-in or custom, is rejected with ErrDuplicateCodename.
func (r *Registry) Register(rec Record) error {
	rec = rec.normalized()
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Custom = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[rec.Codename]; exists {
		return errors.Wrapf(ErrDuplicateCodename, "device %q", rec.Codename)
	}
	if r.customPath != "" {
		customs := make([]Record, 0, len(r.devices)+1)
		for _, existing := range r.devices {
			if existing.Custom {
				customs = append(customs, existing)
			}
		}
		customs = append(customs, rec)
		sort.Slice(customs, func(i, j int) bool { return customs[i].Codename < customs[j].Codename })
		if err := SaveCatalog(r.customPath, customs); err != nil {
			return errors.Wrap(err, "persist custom device")
		}
	}
	r.devices[rec.Codename] = rec
	log.Info().
		Str("device", rec.Codename).
		Str("tree", rec.Tree.URL).
		Str("ref", rec.Tree.Ref).
		Msg("custom device registered")
	return nil
}
