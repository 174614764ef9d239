package merchant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/DisCard-Technologies/discard-sub016/pkg/models"

	"gopkg.in/yaml.v3"
)

// ErrNotRegistered means the registry answered and has no record for the id.
var ErrNotRegistered = errors.New("merchant not registered")

// Registry is the authoritative merchant store. Implementations return
// ErrNotRegistered for unknown merchants and other errors for I/O failures.
type Registry interface {
	FetchMerchant(ctx context.Context, merchantID string) (*models.MerchantRecord, error)
}

// MemoryRegistry serves records from memory; used for local runs and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]models.MerchantRecord
}

func NewMemoryRegistry(records ...models.MerchantRecord) *MemoryRegistry {
	r := &MemoryRegistry{records: make(map[string]models.MerchantRecord, len(records))}
	for _, rec := range records {
		r.records[rec.MerchantID] = rec
	}
	return r
}

func (r *MemoryRegistry) Put(rec models.MerchantRecord) {
	r.mu.Lock()
	r.records[rec.MerchantID] = rec
	r.mu.Unlock()
}

func (r *MemoryRegistry) FetchMerchant(ctx context.Context, merchantID string) (*models.MerchantRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	rec, ok := r.records[merchantID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotRegistered
	}
	return &rec, nil
}

type seedFile struct {
	Merchants []seedRecord `yaml:"merchants"`
}

type seedRecord struct {
	MerchantID  string `yaml:"merchant_id"`
	Name        string `yaml:"name"`
	VisaMID     string `yaml:"visa_mid"`
	MCCCode     string `yaml:"mcc_code"`
	RiskTier    int    `yaml:"risk_tier"`
	IsActive    *bool  `yaml:"is_active"`
	CountryCode string `yaml:"country_code"`
	MetadataURI string `yaml:"metadata_uri"`
}

// LoadSeedFile builds a MemoryRegistry from a YAML merchant list.
func LoadSeedFile(path string) (*MemoryRegistry, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read merchant seed: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) (*MemoryRegistry, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse merchant seed: %w", err)
	}
	reg := NewMemoryRegistry()
	for i, s := range f.Merchants {
		id := strings.TrimSpace(s.MerchantID)
		if id == "" {
			return nil, fmt.Errorf("merchant seed entry %d: merchant_id required", i)
		}
		if err := models.ValidateMCC(s.MCCCode); err != nil {
			return nil, fmt.Errorf("merchant seed %q: %w", id, err)
		}
		tier := models.RiskTier(s.RiskTier)
		if tier < models.RiskTierLow || tier > models.RiskTierBlocked {
			return nil, fmt.Errorf("merchant seed %q: risk_tier must be 1-4", id)
		}
		active := true
		if s.IsActive != nil {
			active = *s.IsActive
		}
		reg.Put(models.MerchantRecord{
			MerchantID:  id,
			Name:        s.Name,
			VisaMID:     s.VisaMID,
			MCCCode:     s.MCCCode,
			RiskTier:    tier,
			IsActive:    active,
			CountryCode: strings.ToUpper(s.CountryCode),
			MetadataURI: s.MetadataURI,
		})
	}
	return reg, nil
}
