package store

// ErrNotFound is returned when a record doesn't exist in the store.
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	if e.Key == "" {
		return "record not found"
	}

	return "record not found: " + e.Key
}
