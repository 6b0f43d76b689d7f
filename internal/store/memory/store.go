package memory

import (
	"sync"

	"github.com/wolfeidau/keyforge/internal/models"
	"github.com/wolfeidau/keyforge/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for development and testing.
// A single lock guards groups and certificates so group deletion and
// certificate registration are mutually exclusive.
type Store struct {
	mu           sync.RWMutex
	groups       map[string]*models.Group
	certs        map[string]*models.Certificate   // indexed by kid
	certsByGroup map[string][]*models.Certificate // indexed by group code, insertion order
	order        []*models.Certificate            // all certificates, insertion order
	privateKeys  map[string][]byte                // sealed, indexed by kid
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		groups:       make(map[string]*models.Group),
		certs:        make(map[string]*models.Certificate),
		certsByGroup: make(map[string][]*models.Certificate),
		privateKeys:  make(map[string][]byte),
	}
}
