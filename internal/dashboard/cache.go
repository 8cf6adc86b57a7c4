package dashboard

import (
	"time"

	"github.com/patrickmn/go-cache"

	"chatsync/internal/domain"
)

// SeedCache keeps the last live window per patient so a reopened view can
// render before the store answers.
type SeedCache struct {
	c *cache.Cache
}

func NewSeedCache(ttl time.Duration) *SeedCache {
	return &SeedCache{c: cache.New(ttl, 2*ttl)}
}

func (s *SeedCache) Get(patientID string) ([]domain.Message, bool) {
	v, ok := s.c.Get(patientID)
	if !ok {
		return nil, false
	}
	return append([]domain.Message(nil), v.([]domain.Message)...), true
}

func (s *SeedCache) Put(patientID string, msgs []domain.Message) {
	s.c.SetDefault(patientID, append([]domain.Message(nil), msgs...))
}
