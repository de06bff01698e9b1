// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/tideline/services/formula/series"
)

// BadgerConfig holds configuration for the BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. If nil, BadgerDB
	// logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for a persistent store.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns a configuration for tests: in-memory, no
// sync, no disk I/O.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is the BadgerDB-backed Store.
//
// Key layout (fields are NUL-separated so names may contain any printable
// byte):
//
//	s <name>          series info (tz-awareness)
//	r <name> <stamp>  one revision; the stamp is a fixed-width UTC form of
//	                  the insertion date so keys sort chronologically
//	f <name>          formula record
//	m <name>          metadata
//	d <name>          direct dependency names
//	x <dep> <name>    reverse dependency edge marker
//
// Thread Safety: safe for concurrent use; BadgerDB transactions provide
// isolation.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (and creates if needed) a BadgerDB-backed store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error { return b.db.Close() }

// stampLayout is fixed-width so revision keys sort chronologically.
const stampLayout = "20060102T150405.000000000"

func stamp(t time.Time) string { return t.UTC().Format(stampLayout) }

func parseStamp(s string) (time.Time, error) {
	return time.Parse(stampLayout, s)
}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00"))
}

type seriesInfo struct {
	TZAware bool `json:"tzaware"`
}

func getJSON(txn *badger.Txn, k []byte, out any) (bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, raw)
}

func (b *Badger) Kind(name string) (Kind, error) {
	kind := KindNone
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		kind, err = kindTxn(txn, name)
		return err
	})
	return kind, err
}

func kindTxn(txn *badger.Txn, name string) (Kind, error) {
	if _, err := txn.Get(key("s", name)); err == nil {
		return KindPrimary, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return KindNone, err
	}
	if _, err := txn.Get(key("f", name)); err == nil {
		return KindFormula, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return KindNone, err
	}
	return KindNone, nil
}

func (b *Badger) Insert(name string, s *series.Series, insertionDate time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		kind, err := kindTxn(txn, name)
		if err != nil {
			return err
		}
		if kind == KindFormula {
			return fmt.Errorf("%w: %q is a formula", ErrNameCollision, name)
		}
		info := seriesInfo{TZAware: s.TZAware}
		if kind == KindPrimary {
			if _, err := getJSON(txn, key("s", name), &info); err != nil {
				return err
			}
			if err := tzCheck(name, info.TZAware, s.TZAware); err != nil {
				return err
			}
		} else if err := setJSON(txn, key("s", name), info); err != nil {
			return err
		}
		return setJSON(txn, key("r", name, stamp(insertionDate)), s.Points)
	})
}

// loadRevisions reads every revision of name, ascending by insertion date.
func loadRevisions(txn *badger.Txn, name string) ([]revision, error) {
	prefix := key("r", name, "")
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
	defer it.Close()
	var revs []revision
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		idate, err := parseStamp(string(item.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupt revision key %q: %w", item.Key(), err)
		}
		var pts []series.Point
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pts)
		}); err != nil {
			return nil, err
		}
		revs = append(revs, revision{InsertionDate: idate, Points: pts})
	}
	return revs, nil
}

// withPrimary runs fn with the info and revisions of a primary series.
func (b *Badger) withPrimary(name string, fn func(info seriesInfo, revs []revision) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		var info seriesInfo
		found, err := getJSON(txn, key("s", name), &info)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		revs, err := loadRevisions(txn, name)
		if err != nil {
			return err
		}
		return fn(info, revs)
	})
}

func (b *Badger) Get(name string, q series.Query) (*series.Series, error) {
	var out *series.Series
	err := b.withPrimary(name, func(info seriesInfo, revs []revision) error {
		out = materialize(name, info.TZAware, revs, q)
		return nil
	})
	return out, err
}

func (b *Badger) History(name string, from, to *time.Time) (series.History, error) {
	var out series.History
	err := b.withPrimary(name, func(info seriesInfo, revs []revision) error {
		out = snapshots(name, info.TZAware, revs, from, to)
		return nil
	})
	return out, err
}

func (b *Badger) InsertionDates(name string, from, to *time.Time) ([]time.Time, error) {
	var out []time.Time
	err := b.withPrimary(name, func(_ seriesInfo, revs []revision) error {
		out = filterDates(revs, from, to)
		return nil
	})
	return out, err
}

func (b *Badger) TZAware(name string) (bool, error) {
	var aware bool
	err := b.db.View(func(txn *badger.Txn) error {
		var info seriesInfo
		found, err := getJSON(txn, key("s", name), &info)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		aware = info.TZAware
		return nil
	})
	return aware, err
}

func (b *Badger) Metadata(name string) (Meta, error) {
	out := Meta{}
	err := b.db.View(func(txn *badger.Txn) error {
		kind, err := kindTxn(txn, name)
		if err != nil {
			return err
		}
		if kind == KindNone {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		_, err = getJSON(txn, key("m", name), &out)
		return err
	})
	return out, err
}

func (b *Badger) UpdateMetadata(name string, meta Meta) error {
	return b.db.Update(func(txn *badger.Txn) error {
		kind, err := kindTxn(txn, name)
		if err != nil {
			return err
		}
		if kind == KindNone {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		return setJSON(txn, key("m", name), meta)
	})
}

func (b *Badger) PutFormula(rec FormulaRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		kind, err := kindTxn(txn, rec.Name)
		if err != nil {
			return err
		}
		if kind == KindPrimary {
			return fmt.Errorf("%w: %q is a primary series", ErrNameCollision, rec.Name)
		}
		if err := setJSON(txn, key("f", rec.Name), rec); err != nil {
			return err
		}
		if rec.Meta != nil {
			return setJSON(txn, key("m", rec.Name), rec.Meta)
		}
		return nil
	})
}

func (b *Badger) Formula(name string) (*FormulaRecord, error) {
	var rec FormulaRecord
	err := b.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, key("f", name), &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Badger) SetDependencies(name string, deps []string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var old []string
		if _, err := getJSON(txn, key("d", name), &old); err != nil {
			return err
		}
		for _, dep := range old {
			if err := txn.Delete(key("x", dep, name)); err != nil {
				return err
			}
		}
		if err := setJSON(txn, key("d", name), deps); err != nil {
			return err
		}
		for _, dep := range deps {
			if err := txn.Set(key("x", dep, name), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Dependencies(name string) ([]string, error) {
	var deps []string
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, key("d", name), &deps)
		return err
	})
	return deps, err
}

func (b *Badger) Dependents(name string) ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		names = scanSuffixes(txn, key("x", name, ""))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// scanSuffixes lists the trailing key component under a prefix.
func scanSuffixes(txn *badger.Txn, prefix []byte) []string {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

func (b *Badger) Rename(oldName, newName string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if kind, err := kindTxn(txn, newName); err != nil {
			return err
		} else if kind != KindNone {
			return fmt.Errorf("%w: %q already exists", ErrNameCollision, newName)
		}
		kind, err := kindTxn(txn, oldName)
		if err != nil {
			return err
		}
		switch kind {
		case KindPrimary:
			var info seriesInfo
			if _, err := getJSON(txn, key("s", oldName), &info); err != nil {
				return err
			}
			revs, err := loadRevisions(txn, oldName)
			if err != nil {
				return err
			}
			if err := setJSON(txn, key("s", newName), info); err != nil {
				return err
			}
			for _, rev := range revs {
				if err := setJSON(txn, key("r", newName, stamp(rev.InsertionDate)), rev.Points); err != nil {
					return err
				}
				if err := txn.Delete(key("r", oldName, stamp(rev.InsertionDate))); err != nil {
					return err
				}
			}
			if err := txn.Delete(key("s", oldName)); err != nil {
				return err
			}
		case KindFormula:
			var rec FormulaRecord
			if _, err := getJSON(txn, key("f", oldName), &rec); err != nil {
				return err
			}
			rec.Name = newName
			if err := setJSON(txn, key("f", newName), rec); err != nil {
				return err
			}
			if err := txn.Delete(key("f", oldName)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownSeries, oldName)
		}

		if err := moveJSON(txn, key("m", oldName), key("m", newName)); err != nil {
			return err
		}

		// Forward edges of the renamed node.
		var deps []string
		if found, err := getJSON(txn, key("d", oldName), &deps); err != nil {
			return err
		} else if found {
			for _, dep := range deps {
				if err := txn.Delete(key("x", dep, oldName)); err != nil {
					return err
				}
				if err := txn.Set(key("x", dep, newName), nil); err != nil {
					return err
				}
			}
			if err := setJSON(txn, key("d", newName), deps); err != nil {
				return err
			}
			if err := txn.Delete(key("d", oldName)); err != nil {
				return err
			}
		}

		// Reverse edges: dependents now point at the new name.
		for _, dependent := range scanSuffixes(txn, key("x", oldName, "")) {
			var ddeps []string
			if _, err := getJSON(txn, key("d", dependent), &ddeps); err != nil {
				return err
			}
			for i, dep := range ddeps {
				if dep == oldName {
					ddeps[i] = newName
				}
			}
			if err := setJSON(txn, key("d", dependent), ddeps); err != nil {
				return err
			}
			if err := txn.Delete(key("x", oldName, dependent)); err != nil {
				return err
			}
			if err := txn.Set(key("x", newName, dependent), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func moveJSON(txn *badger.Txn, from, to []byte) error {
	item, err := txn.Get(from)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := txn.Set(to, raw); err != nil {
		return err
	}
	return txn.Delete(from)
}

func (b *Badger) Delete(name string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		kind, err := kindTxn(txn, name)
		if err != nil {
			return err
		}
		if kind == KindNone {
			return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
		}
		if kind == KindPrimary {
			revs, err := loadRevisions(txn, name)
			if err != nil {
				return err
			}
			for _, rev := range revs {
				if err := txn.Delete(key("r", name, stamp(rev.InsertionDate))); err != nil {
					return err
				}
			}
			if err := txn.Delete(key("s", name)); err != nil {
				return err
			}
		} else if err := txn.Delete(key("f", name)); err != nil {
			return err
		}
		var deps []string
		if _, err := getJSON(txn, key("d", name), &deps); err != nil {
			return err
		}
		for _, dep := range deps {
			if err := txn.Delete(key("x", dep, name)); err != nil {
				return err
			}
		}
		if err := txn.Delete(key("d", name)); err != nil {
			return err
		}
		return txn.Delete(key("m", name))
	})
}

func (b *Badger) ListPrimaries() ([]string, error) {
	return b.listNames("s")
}

func (b *Badger) ListFormulas() ([]string, error) {
	return b.listNames("f")
}

func (b *Badger) listNames(tag string) ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		names = scanSuffixes(txn, key(tag, ""))
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (b *Badger) FindNames(prefix string) ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		for _, tag := range []string{"s", "f"} {
			for _, n := range scanSuffixes(txn, key(tag, "")) {
				if strings.HasPrefix(n, prefix) {
					names = append(names, n)
				}
			}
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}
