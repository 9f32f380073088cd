package trust

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signato/platform/internal/shared/config"
	"github.com/signato/platform/internal/shared/metrics"
)

// ListStore persists fetched trust lists so a restart does not lose
// trust data while the sources are unreachable.
type ListStore interface {
	Save(ctx context.Context, territory string, rawXML []byte, fetchedAt time.Time) error
	LoadAll(ctx context.Context) (map[string]StoredList, error)
}

// StoredList is a persisted trust list.
type StoredList struct {
	Territory string
	RawXML    []byte
	FetchedAt time.Time
}

// territoryList is the parsed state of one territory.
type territoryList struct {
	territory string
	fetchedAt time.Time
	services  []TrustedService
}

// Service maintains trust lists for all configured territories and
// answers anchor and recognition queries against them. Parsed lists
// are swapped atomically so readers never see a half-refreshed state.
type Service struct {
	cfg        config.TrustConfig
	httpClient *http.Client
	store      ListStore
	now        func() time.Time

	mu          sync.RWMutex
	territories map[string]*territoryList

	// recognition marks which foreign territories each territory
	// accepts qualified signatures from. Same-territory recognition is
	// implicit.
	recognition map[string]map[string]bool
}

// NewService creates a trust list service. The store may be nil; lists
// then live only in memory.
func NewService(cfg config.TrustConfig, store ListStore) *Service {
	return &Service{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		store:       store,
		now:         func() time.Time { return time.Now().UTC() },
		territories: make(map[string]*territoryList),
		recognition: make(map[string]map[string]bool),
	}
}

// Restore loads persisted lists, used at startup before the first
// refresh completes.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for territory, list := range stored {
		services, err := parseTrustList(territory, list.RawXML)
		if err != nil {
			log.Printf("trust: skipping persisted list for %s: %v", territory, err)
			continue
		}
		s.swap(&territoryList{territory: territory, fetchedAt: list.FetchedAt, services: services})
	}
	return nil
}

// RefreshAll fetches every configured territory concurrently. A
// failing territory keeps its previous state; the error reports all
// failures together.
func (s *Service) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for territory, url := range s.cfg.ListURLs {
		g.Go(func() error {
			if err := s.refreshTerritory(ctx, territory, url); err != nil {
				metrics.RecordTrustListRefresh(territory, "failure")
				return fmt.Errorf("territory %s: %w", territory, err)
			}
			metrics.RecordTrustListRefresh(territory, "success")
			return nil
		})
	}
	return g.Wait()
}

// Run refreshes trust lists on the configured interval until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil {
				log.Printf("trust: refresh failed: %v", err)
			}
		}
	}
}

func (s *Service) refreshTerritory(ctx context.Context, territory, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list endpoint returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}

	services, err := parseTrustList(territory, raw)
	if err != nil {
		return err
	}

	now := s.now()
	s.swap(&territoryList{territory: territory, fetchedAt: now, services: services})

	if s.store != nil {
		if err := s.store.Save(ctx, territory, raw, now); err != nil {
			log.Printf("trust: failed to persist list for %s: %v", territory, err)
		}
	}
	return nil
}

func (s *Service) swap(list *territoryList) {
	s.mu.Lock()
	s.territories[list.territory] = list
	s.mu.Unlock()
}

// Anchors returns the granted CA certificates across all territories.
func (s *Service) Anchors() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var anchors []*x509.Certificate
	for _, list := range s.territories {
		for _, svc := range list.services {
			if svc.Status == ServiceStatusGranted && svc.Certificate != nil {
				anchors = append(anchors, svc.Certificate)
			}
		}
	}
	return anchors
}

// AnchorTerritory returns the territory whose list contains the
// certificate, or empty when it is not a known anchor.
func (s *Service) AnchorTerritory(cert *x509.Certificate) string {
	fp := Fingerprint(cert)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for territory, list := range s.territories {
		for _, svc := range list.services {
			if svc.Status == ServiceStatusGranted && svc.Certificate != nil && Fingerprint(svc.Certificate) == fp {
				return territory
			}
		}
	}
	return ""
}

// Stale reports whether a territory's list is older than the
// configured staleness bound, or missing entirely.
func (s *Service) Stale(territory string) bool {
	s.mu.RLock()
	list, ok := s.territories[territory]
	s.mu.RUnlock()
	if !ok {
		return true
	}
	return s.now().Sub(list.fetchedAt) > s.cfg.StaleAfter
}

// SetRecognition declares that relying territory accepts qualified
// signatures anchored in issuer territory.
func (s *Service) SetRecognition(relying, issuer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.recognition[relying]
	if !ok {
		m = make(map[string]bool)
		s.recognition[relying] = m
	}
	m[issuer] = true
}

// Recognizes reports whether the relying territory accepts signatures
// anchored in the issuer territory. A territory always recognizes its
// own anchors.
func (s *Service) Recognizes(relying, issuer string) bool {
	if relying == issuer {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recognition[relying][issuer]
}

// Trust list XML subset (ETSI TS 119 612).

type xmlTrustList struct {
	XMLName   xml.Name      `xml:"TrustServiceStatusList"`
	Providers []xmlProvider `xml:"TrustServiceProviderList>TrustServiceProvider"`
}

type xmlProvider struct {
	Services []xmlService `xml:"TSPServices>TSPService"`
}

type xmlService struct {
	Type         string   `xml:"ServiceInformation>ServiceTypeIdentifier"`
	Name         string   `xml:"ServiceInformation>ServiceName>Name"`
	Status       string   `xml:"ServiceInformation>ServiceStatus"`
	Certificates []string `xml:"ServiceInformation>ServiceDigitalIdentity>DigitalId>X509Certificate"`
}

func parseTrustList(territory string, raw []byte) ([]TrustedService, error) {
	var list xmlTrustList
	if err := xml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to parse trust list: %w", err)
	}

	var services []TrustedService
	for _, provider := range list.Providers {
		for _, svc := range provider.Services {
			entry := TrustedService{
				Territory: territory,
				Name:      svc.Name,
				Type:      svc.Type,
				Status:    svc.Status,
			}
			for _, b64 := range svc.Certificates {
				der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
				if err != nil {
					continue
				}
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					continue
				}
				entry.Certificate = cert
				break
			}
			services = append(services, entry)
		}
	}
	return services, nil
}
