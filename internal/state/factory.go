package state

import (
	"github.com/rs/zerolog"
)

// NewStore opens the file-backed store in dir (or the default directory when
// dir is empty) and falls back to an in-memory store if that fails.
func NewStore(dir string, log zerolog.Logger) Store {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			log.Warn().Err(err).Msg("No state directory, falling back to in-memory state")
			return NewMemoryStore()
		}
		dir = d
	}

	store, err := NewFileStore(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("File state store failed, falling back to in-memory state")
		return NewMemoryStore()
	}
	log.Debug().Str("path", store.Path()).Msg("Using file state store")
	return store
}
