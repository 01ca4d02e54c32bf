package view

// Selection is a set of record ids that remembers insertion order, so the
// first selected record is well defined.
type Selection struct {
	ids   []string
	index map[string]int
}

// NewSelection returns an empty selection.
func NewSelection() *Selection {
	return &Selection{index: make(map[string]int)}
}

// Toggle adds id if absent and removes it otherwise. It returns whether id
// is selected afterwards.
func (s *Selection) Toggle(id string) bool {
	if s.Has(id) {
		s.Remove(id)
		return false
	}
	s.Add(id)
	return true
}

// Add selects id.
func (s *Selection) Add(id string) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = len(s.ids)
	s.ids = append(s.ids, id)
}

// Remove deselects id.
func (s *Selection) Remove(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.ids); j++ {
		s.index[s.ids[j]] = j
	}
}

// Has reports whether id is selected.
func (s *Selection) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Clear deselects everything and reports whether anything was selected.
func (s *Selection) Clear() bool {
	had := len(s.ids) > 0
	s.ids = nil
	clear(s.index)
	return had
}

// Len returns the number of selected ids.
func (s *Selection) Len() int { return len(s.ids) }

// IDs returns the selected ids in selection order.
func (s *Selection) IDs() []string {
	return append([]string{}, s.ids...)
}
