// Package catalog stores table and index definitions in the catalog
// B-tree rooted at the fixed page reserved for it at file-format time, with
// no per-database namespace or multi-tenancy: one file, one flat table
// namespace, matching the single-file embedded engine's scope.
package catalog

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/kestrel-db/kestrel/internal/dberr"
	"github.com/kestrel-db/kestrel/internal/pager"
	"github.com/kestrel-db/kestrel/internal/types"
)

// ColumnDef describes one column of a table.
type ColumnDef struct {
	Name     string
	Kind     types.Kind
	Nullable bool
	PrimaryKey bool
}

// IndexDef describes a secondary index over a single column (Expansion C:
// CREATE INDEX). The index B-tree is keyed by the encoded column value with
// the row's primary key appended to keep duplicate values distinct.
type IndexDef struct {
	Name     string
	Column   string
	RootPage pager.PageID
}

// TableDef is the catalog's persisted record for one table.
type TableDef struct {
	Name     string
	Columns  []ColumnDef
	RootPage pager.PageID // root of this table's row B-tree, keyed by primary key
	NextRowID int64        // monotonic fallback key for tables with no declared primary key
	Indexes  []IndexDef
}

func (t *TableDef) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// KindFromTypeName maps a CREATE TABLE column type keyword to its storage
// Kind.
func KindFromTypeName(name string) (types.Kind, bool) {
	switch name {
	case "INTEGER":
		return types.KindInteger, true
	case "FLOAT":
		return types.KindFloat, true
	case "BOOLEAN":
		return types.KindBoolean, true
	case "TEXT":
		return types.KindText, true
	case "BLOB":
		return types.KindBlob, true
	case "VECTOR":
		return types.KindVector, true
	default:
		return 0, false
	}
}

func (t *TableDef) PrimaryKeyColumn() int {
	for i, c := range t.Columns {
		if c.PrimaryKey {
			return i
		}
	}
	return -1
}

// Catalog is a thin, mutex-guarded cache in front of the catalog B-tree.
// Reads are served from the cache; every mutation writes through to the
// B-tree immediately so a crash never loses a committed DDL statement.
type Catalog struct {
	mu     sync.RWMutex
	bt     *pager.BTree
	tables map[string]*TableDef
}

func Open(p *pager.Pager) (*Catalog, error) {
	bt := pager.NewBTree(p, pager.CatalogRootPageID)
	c := &Catalog{bt: bt, tables: make(map[string]*TableDef)}
	if err := c.loadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadAll() error {
	return c.bt.ScanRange(nil, nil, func(key, value []byte) bool {
		def, err := decodeTableDef(value)
		if err != nil {
			return true
		}
		c.tables[def.Name] = def
		return true
	})
}

// CreateTable writes a new table definition. Returns ConstraintViolation if
// a table by that name already exists.
func (c *Catalog) CreateTable(tx pager.TxID, def *TableDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[def.Name]; ok {
		return dberr.New(dberr.ConstraintViolation, "table %q already exists", def.Name)
	}
	buf := encodeTableDef(def)
	if err := c.bt.InsertUnique(tx, []byte(def.Name), buf); err != nil {
		return err
	}
	c.tables[def.Name] = def
	return nil
}

// DropTable removes a table's catalog entry. The caller is responsible for
// freeing the table's own B-tree pages before or after this call.
func (c *Catalog) DropTable(tx pager.TxID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		return dberr.New(dberr.NotFound, "table %q does not exist", name)
	}
	if _, err := c.bt.Delete(tx, []byte(name)); err != nil {
		return err
	}
	delete(c.tables, name)
	return nil
}

// Lookup returns the table definition, or NotFound.
func (c *Catalog) Lookup(name string) (*TableDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.tables[name]
	if !ok {
		return nil, dberr.New(dberr.NotFound, "table %q does not exist", name)
	}
	return def, nil
}

// TableNames lists every table in a stable, sorted order for EXPLAIN and
// driver introspection.
func (c *Catalog) TableNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddIndex persists a secondary index definition against an existing table.
func (c *Catalog) AddIndex(tx pager.TxID, table string, idx IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.tables[table]
	if !ok {
		return dberr.New(dberr.NotFound, "table %q does not exist", table)
	}
	for _, existing := range def.Indexes {
		if existing.Name == idx.Name {
			return dberr.New(dberr.ConstraintViolation, "index %q already exists", idx.Name)
		}
	}
	updated := *def
	updated.Indexes = append(append([]IndexDef{}, def.Indexes...), idx)
	buf := encodeTableDef(&updated)
	if err := c.bt.Insert(tx, []byte(table), buf); err != nil {
		return err
	}
	c.tables[table] = &updated
	return nil
}

// UpdateRootPage repoints a table's row B-tree root after a compaction
// rewrites it onto a fresh page, persisting the change immediately so a
// crash right after Compact does not leave the catalog pointing at a page
// that Compact has already freed.
func (c *Catalog) UpdateRootPage(tx pager.TxID, table string, root pager.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.tables[table]
	if !ok {
		return dberr.New(dberr.NotFound, "table %q does not exist", table)
	}
	updated := *def
	updated.RootPage = root
	buf := encodeTableDef(&updated)
	if err := c.bt.Insert(tx, []byte(table), buf); err != nil {
		return err
	}
	c.tables[table] = &updated
	return nil
}

// BumpRowID allocates the next synthetic row id for tables without a
// declared primary key, persisting the new counter immediately.
func (c *Catalog) BumpRowID(tx pager.TxID, table string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.tables[table]
	if !ok {
		return 0, dberr.New(dberr.NotFound, "table %q does not exist", table)
	}
	id := def.NextRowID
	def.NextRowID++
	buf := encodeTableDef(def)
	if err := c.bt.Insert(tx, []byte(table), buf); err != nil {
		return 0, err
	}
	return id, nil
}

// ─── wire format: a flat struct encoding, not exposed outside this file ───

func encodeTableDef(t *TableDef) []byte {
	buf := appendStr(nil, t.Name)
	cb := make([]byte, 4)
	binary.LittleEndian.PutUint32(cb, uint32(len(t.Columns)))
	buf = append(buf, cb...)
	for _, c := range t.Columns {
		buf = appendStr(buf, c.Name)
		buf = append(buf, byte(c.Kind))
		flags := byte(0)
		if c.Nullable {
			flags |= 1
		}
		if c.PrimaryKey {
			flags |= 2
		}
		buf = append(buf, flags)
	}
	rb := make([]byte, 8)
	binary.LittleEndian.PutUint64(rb, uint64(t.RootPage))
	buf = append(buf, rb...)
	nb := make([]byte, 8)
	binary.LittleEndian.PutUint64(nb, uint64(t.NextRowID))
	buf = append(buf, nb...)
	ib := make([]byte, 4)
	binary.LittleEndian.PutUint32(ib, uint32(len(t.Indexes)))
	buf = append(buf, ib...)
	for _, idx := range t.Indexes {
		buf = appendStr(buf, idx.Name)
		buf = appendStr(buf, idx.Column)
		rp := make([]byte, 8)
		binary.LittleEndian.PutUint64(rp, uint64(idx.RootPage))
		buf = append(buf, rp...)
	}
	return buf
}

func decodeTableDef(buf []byte) (*TableDef, error) {
	name, rest, err := takeStr(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, dberr.New(dberr.Corruption, "catalog entry truncated at column count")
	}
	n := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	cols := make([]ColumnDef, n)
	for i := range cols {
		var cname string
		cname, rest, err = takeStr(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, dberr.New(dberr.Corruption, "catalog entry truncated at column flags")
		}
		cols[i] = ColumnDef{
			Name:       cname,
			Kind:       types.Kind(rest[0]),
			Nullable:   rest[1]&1 != 0,
			PrimaryKey: rest[1]&2 != 0,
		}
		rest = rest[2:]
	}
	if len(rest) < 16 {
		return nil, dberr.New(dberr.Corruption, "catalog entry truncated at root/next-row-id")
	}
	root := pager.PageID(binary.LittleEndian.Uint64(rest[:8]))
	nextRow := int64(binary.LittleEndian.Uint64(rest[8:16]))
	rest = rest[16:]
	if len(rest) < 4 {
		return nil, dberr.New(dberr.Corruption, "catalog entry truncated at index count")
	}
	m := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	indexes := make([]IndexDef, m)
	for i := range indexes {
		var iname, col string
		iname, rest, err = takeStr(rest)
		if err != nil {
			return nil, err
		}
		col, rest, err = takeStr(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) < 8 {
			return nil, dberr.New(dberr.Corruption, "catalog entry truncated at index root")
		}
		indexes[i] = IndexDef{Name: iname, Column: col, RootPage: pager.PageID(binary.LittleEndian.Uint64(rest[:8]))}
		rest = rest[8:]
	}
	return &TableDef{Name: name, Columns: cols, RootPage: root, NextRowID: nextRow, Indexes: indexes}, nil
}

func appendStr(buf []byte, s string) []byte {
	lb := make([]byte, 2)
	binary.LittleEndian.PutUint16(lb, uint16(len(s)))
	buf = append(buf, lb...)
	return append(buf, s...)
}

func takeStr(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, dberr.New(dberr.Corruption, "catalog entry truncated at string length")
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, dberr.New(dberr.Corruption, "catalog entry truncated at string body")
	}
	return string(buf[:n]), buf[n:], nil
}
