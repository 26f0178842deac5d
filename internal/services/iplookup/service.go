// Package iplookup resolves node exit IPs to geo/ISP information through the
// backend, with a persistent bounded cache in front of it.
package iplookup

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sublink-admin/internal/api"
	"sublink-admin/internal/models"
)

const (
	defaultTTL      = 7 * 24 * time.Hour
	defaultCapacity = 100
)

// Resolver performs the actual backend lookup. Satisfied by *api.Client.
type Resolver interface {
	LookupIP(ip string) (*api.IPInfo, error)
}

// Options tunes the cache. Zero values select production defaults.
type Options struct {
	TTL      time.Duration
	Capacity int
}

// Service answers IP lookups from a capped write-through cache. Entries live
// in memory for reads and in the ip_cache table for restarts; when the cap
// is hit the entry with the oldest fetch time is evicted.
type Service struct {
	resolver Resolver
	db       *gorm.DB
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*models.IPCacheEntry

	now func() time.Time
}

// NewService creates the lookup service and rehydrates the cache from the
// database, dropping entries that expired while the client was not running.
func NewService(resolver Resolver, db *gorm.DB, opts Options) (*Service, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	s := &Service{
		resolver: resolver,
		db:       db,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		entries:  make(map[string]*models.IPCacheEntry),
		now:      time.Now,
	}

	var stored []*models.IPCacheEntry
	if err := db.Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load ip cache: %w", err)
	}

	cutoff := s.now().Add(-s.ttl)
	for _, e := range stored {
		if e.FetchedAt.Before(cutoff) {
			if err := db.Delete(e).Error; err != nil {
				log.Printf("iplookup: failed to drop expired entry %s: %v", e.IP, err)
			}
			continue
		}
		s.entries[e.IP] = e
	}
	return s, nil
}

// Lookup returns the geo/ISP information for an IP, from cache when a fresh
// entry exists, otherwise from the backend.
func (s *Service) Lookup(ip string) (*api.IPInfo, error) {
	if ip == "" {
		return nil, fmt.Errorf("ip is required")
	}

	s.mu.Lock()
	if e, ok := s.entries[ip]; ok {
		if s.now().Sub(e.FetchedAt) < s.ttl {
			info := entryToInfo(e)
			s.mu.Unlock()
			return info, nil
		}
		// Expired, drop and re-fetch
		delete(s.entries, ip)
		if err := s.db.Delete(e).Error; err != nil {
			log.Printf("iplookup: failed to drop expired entry %s: %v", ip, err)
		}
	}
	s.mu.Unlock()

	info, err := s.resolver.LookupIP(ip)
	if err != nil {
		return nil, fmt.Errorf("lookup for %s failed: %w", ip, err)
	}

	s.store(ip, info)
	return info, nil
}

// store caches a fresh lookup result, evicting the oldest entry on overflow.
func (s *Service) store(ip string, info *api.IPInfo) {
	entry := &models.IPCacheEntry{
		IP:        ip,
		Country:   info.Country,
		City:      info.City,
		ISP:       info.ISP,
		FetchedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[ip] = entry
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(entry).Error; err != nil {
		log.Printf("iplookup: failed to persist entry %s: %v", ip, err)
	}

	for len(s.entries) > s.capacity {
		oldest := ""
		var oldestAt time.Time
		for k, e := range s.entries {
			if oldest == "" || e.FetchedAt.Before(oldestAt) {
				oldest = k
				oldestAt = e.FetchedAt
			}
		}
		evicted := s.entries[oldest]
		delete(s.entries, oldest)
		if err := s.db.Delete(evicted).Error; err != nil {
			log.Printf("iplookup: failed to evict entry %s: %v", oldest, err)
		}
	}
}

// Prune drops expired entries from memory and database. Called by the
// maintenance job.
func (s *Service) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	pruned := 0
	for ip, e := range s.entries {
		if !e.FetchedAt.Before(cutoff) {
			continue
		}
		delete(s.entries, ip)
		pruned++
	}
	if err := s.db.Where("fetched_at < ?", cutoff).Delete(&models.IPCacheEntry{}).Error; err != nil {
		log.Printf("iplookup: failed to prune expired entries: %v", err)
	}
	return pruned
}

// Size returns the number of cached entries.
func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func entryToInfo(e *models.IPCacheEntry) *api.IPInfo {
	return &api.IPInfo{
		IP:      e.IP,
		Country: e.Country,
		City:    e.City,
		ISP:     e.ISP,
	}
}
