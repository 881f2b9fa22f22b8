package sink

// Memory keeps records in order. It does not lock; wrap it with
// Synchronized when shared.
type Memory struct {
	records []Record
	// Err, when set, is returned by every Append and nothing is stored.
	Err error
}

func (m *Memory) Append(r Record) error {
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of the stored records.
func (m *Memory) Records() []Record {
	return append([]Record(nil), m.records...)
}

func (m *Memory) Len() int { return len(m.records) }

func (m *Memory) Reset() { m.records = m.records[:0] }
