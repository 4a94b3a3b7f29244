package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"storybridge/internal/domain"
)

// ColumnMap is the bidirectional column id <-> name table plus the column
// name -> feed status table. It is immutable once built.
type ColumnMap struct {
	idByName     map[string]int64
	nameByID     map[int64]string
	statusByName map[string]domain.FeedStatus
}

func NewColumnMap(ids map[string]int64, statuses map[string]string) (*ColumnMap, error) {
	if len(ids) == 0 {
		return nil, errors.New("column table is empty")
	}

	m := &ColumnMap{
		idByName:     make(map[string]int64, len(ids)),
		nameByID:     make(map[int64]string, len(ids)),
		statusByName: make(map[string]domain.FeedStatus, len(statuses)),
	}

	// Sorted so that duplicate errors are deterministic.
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, rawName := range names {
		name := strings.TrimSpace(rawName)
		id := ids[rawName]
		if name == "" {
			return nil, errors.New("column name is empty")
		}
		if other, ok := m.nameByID[id]; ok {
			return nil, fmt.Errorf("column id %d is used by both %q and %q", id, other, name)
		}

		m.idByName[name] = id
		m.nameByID[id] = name
	}

	for rawName, status := range statuses {
		name := strings.TrimSpace(rawName)
		if _, ok := m.idByName[name]; !ok {
			return nil, fmt.Errorf("status mapping references unknown column %q", name)
		}

		status = strings.TrimSpace(status)
		if status == "" {
			return nil, fmt.Errorf("status mapping for column %q is empty", name)
		}

		m.statusByName[name] = domain.FeedStatus(status)
	}

	return m, nil
}

func (m *ColumnMap) ID(name string) (int64, bool) {
	id, ok := m.idByName[name]
	return id, ok
}

func (m *ColumnMap) Name(id int64) (string, bool) {
	name, ok := m.nameByID[id]
	return name, ok
}

// FeedStatus maps a column id to the feed status it implies. It returns
// false when either the id or the column's status is unknown.
func (m *ColumnMap) FeedStatus(id int64) (domain.FeedStatus, bool) {
	name, ok := m.nameByID[id]
	if !ok {
		return "", false
	}

	status, ok := m.statusByName[name]
	return status, ok
}
