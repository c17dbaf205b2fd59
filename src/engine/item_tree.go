package engine

import (
	"sort"
	"strings"
)

// ItemKind tags the closed set of item variants.
type ItemKind int

const (
	KindType ItemKind = iota
	KindTable
	KindCategory
)

// Item is the tagged variant over the three item kinds. Exactly one payload
// field is set, matching Kind.
type Item struct {
	Kind         ItemKind
	Type         *TypeRecord
	Table        *TableRecord
	CategoryPath string // set for KindCategory
}

func (i Item) Path() string {
	switch i.Kind {
	case KindType:
		return i.Type.Path()
	case KindTable:
		return i.Table.Path()
	default:
		return i.CategoryPath
	}
}

// ItemTree is the loaded in-memory tree for one item kind. All records are
// owned in a flat arena keyed by item path; parent/child relations are path
// lookups, never back-pointers, so teardown is dropping the maps.
type ItemTree struct {
	kind       ItemKind
	items      map[string]Item
	categories map[string]bool
}

// NewTypeTree builds the loaded tree for type records.
func NewTypeTree(records []*TypeRecord) *ItemTree {
	tree := &ItemTree{
		kind:       KindType,
		items:      make(map[string]Item),
		categories: map[string]bool{"/": true},
	}
	for _, record := range records {
		tree.items[record.Path()] = Item{Kind: KindType, Type: record}
		registerCategories(tree.categories, record.CategoryPath)
	}
	return tree
}

// NewTableTree builds the loaded tree for table records.
func NewTableTree(records []*TableRecord) *ItemTree {
	tree := &ItemTree{
		kind:       KindTable,
		items:      make(map[string]Item),
		categories: map[string]bool{"/": true},
	}
	for _, record := range records {
		tree.items[record.Path()] = Item{Kind: KindTable, Table: record}
		registerCategories(tree.categories, record.CategoryPath)
	}
	return tree
}

func registerCategories(categories map[string]bool, categoryPath string) {
	path := "/"
	categories[path] = true
	for _, segment := range strings.Split(strings.Trim(categoryPath, "/"), "/") {
		if segment == "" {
			continue
		}
		path += segment + "/"
		categories[path] = true
	}
}

func (t *ItemTree) Contains(itemPath string) bool {
	_, ok := t.items[itemPath]
	return ok
}

func (t *ItemTree) ContainsCategory(categoryPath string) bool {
	return t.categories[categoryPath]
}

func (t *ItemTree) Get(itemPath string) (Item, bool) {
	item, ok := t.items[itemPath]
	return item, ok
}

func (t *ItemTree) Set(item Item) {
	t.items[item.Path()] = item
	switch item.Kind {
	case KindType:
		registerCategories(t.categories, item.Type.CategoryPath)
	case KindTable:
		registerCategories(t.categories, item.Table.CategoryPath)
	}
}

func (t *ItemTree) Remove(itemPath string) {
	delete(t.items, itemPath)
}

// Move re-keys an item after its path fields were updated.
func (t *ItemTree) Move(oldPath string, item Item) {
	delete(t.items, oldPath)
	t.Set(item)
}

// MoveCategory rewrites the category prefix of every descendant.
func (t *ItemTree) MoveCategory(oldPath, newPath string) {
	rekeyed := make(map[string]Item)
	for path, item := range t.items {
		if !strings.HasPrefix(path, oldPath) {
			rekeyed[path] = item
			continue
		}
		switch item.Kind {
		case KindType:
			item.Type.CategoryPath = newPath + strings.TrimPrefix(item.Type.CategoryPath, oldPath)
		case KindTable:
			item.Table.CategoryPath = newPath + strings.TrimPrefix(item.Table.CategoryPath, oldPath)
		}
		rekeyed[item.Path()] = item
	}
	t.items = rekeyed

	categories := map[string]bool{"/": true}
	for old := range t.categories {
		if strings.HasPrefix(old, oldPath) {
			registerCategories(categories, newPath+strings.TrimPrefix(old, oldPath))
		} else {
			registerCategories(categories, old)
		}
	}
	t.categories = categories
}

// Paths returns every item path, sorted.
func (t *ItemTree) Paths() []string {
	paths := make([]string, 0, len(t.items))
	for path := range t.items {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// DescendantsOf returns the item paths under a category path, sorted.
func (t *ItemTree) DescendantsOf(categoryPath string) []string {
	var paths []string
	for path := range t.items {
		if strings.HasPrefix(path, categoryPath) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// TypeRecords returns all type records, sorted by path.
func (t *ItemTree) TypeRecords() []*TypeRecord {
	var records []*TypeRecord
	for _, path := range t.Paths() {
		if item := t.items[path]; item.Kind == KindType {
			records = append(records, item.Type)
		}
	}
	return records
}

// TableRecords returns all table records, sorted by path.
func (t *ItemTree) TableRecords() []*TableRecord {
	var records []*TableRecord
	for _, path := range t.Paths() {
		if item := t.items[path]; item.Kind == KindTable {
			records = append(records, item.Table)
		}
	}
	return records
}
