package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CategoryTable maps defect class ids to display names and keeps insertion
// order, which decides the winner when two ids share a name.
type CategoryTable struct {
	entries []Category
	index   map[int]int
}

func NewCategoryTable() *CategoryTable {
	return &CategoryTable{index: make(map[int]int)}
}

// Set inserts id or renames it in place if it already exists.
func (t *CategoryTable) Set(id int, name string) {
	if pos, ok := t.index[id]; ok {
		t.entries[pos].Name = name
		return
	}
	t.index[id] = len(t.entries)
	t.entries = append(t.entries, Category{ID: id, Name: name})
}

func (t *CategoryTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (t *CategoryTable) Name(id int) (string, bool) {
	if t == nil {
		return "", false
	}
	pos, ok := t.index[id]
	if !ok {
		return "", false
	}
	return t.entries[pos].Name, true
}

// Entries returns the table in insertion order.
func (t *CategoryTable) Entries() []Category {
	if t == nil {
		return nil
	}
	out := make([]Category, len(t.entries))
	copy(out, t.entries)
	return out
}

// Sorted returns the table ordered by ascending id.
func (t *CategoryTable) Sorted() []Category {
	out := t.Entries()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Inverse builds name -> id. Duplicate names resolve to the id inserted
// last; this is a known limitation of name-keyed predictions.
func (t *CategoryTable) Inverse() map[string]int {
	out := make(map[string]int, t.Len())
	if t == nil {
		return out
	}
	for _, c := range t.entries {
		out[c.Name] = c.ID
	}
	return out
}

// StringMap renders the table with string keys, the shape used in settings
// files.
func (t *CategoryTable) StringMap() map[string]string {
	out := make(map[string]string, t.Len())
	for _, c := range t.Entries() {
		out[strconv.Itoa(c.ID)] = c.Name
	}
	return out
}

// CategoryPair is one raw id -> name entry as read from configuration.
type CategoryPair struct {
	Key  string
	Name string
}

// ParseCategoryTable normalizes string-encoded ids into a table. Keys must
// be non-negative integers.
func ParseCategoryTable(pairs []CategoryPair) (*CategoryTable, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("category table is empty")
	}
	table := NewCategoryTable()
	for _, p := range pairs {
		id, err := strconv.Atoi(strings.TrimSpace(p.Key))
		if err != nil {
			return nil, fmt.Errorf("category id %q: %w", p.Key, err)
		}
		if id < 0 {
			return nil, fmt.Errorf("category id %d is negative", id)
		}
		table.Set(id, p.Name)
	}
	return table, nil
}

var defaultCategoryNames = []string{
	"其他", "划伤", "压痕", "吊紧", "异物外漏", "折痕", "抛线",
	"拼接间隙", "水渍", "烫伤", "破损", "碰伤", "红标签", "线头",
	"脏污", "褶皱(T型)", "褶皱（重度）", "重跳针",
}

// DefaultCategoryTable is the built-in 18 class defect table.
func DefaultCategoryTable() *CategoryTable {
	table := NewCategoryTable()
	for id, name := range defaultCategoryNames {
		table.Set(id, name)
	}
	return table
}
