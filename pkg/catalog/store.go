package catalog

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sds-orderproc/orderproc/pkg/orderrors"
)

// snapshot is an immutable view of the catalog. A new snapshot replaces
// the old one wholesale; nothing in it is ever mutated in place.
type snapshot struct {
	products    map[int]Product
	byCode      map[string]Product // keyed by TrimmedCode()
	nameIndex   map[string][]int   // lowercased name -> product ids, for search fallback
	customers   map[int]Customer
	customerRef map[string]Customer
}

func newSnapshot() *snapshot {
	return &snapshot{
		products:    make(map[int]Product),
		byCode:      make(map[string]Product),
		nameIndex:   make(map[string][]int),
		customers:   make(map[int]Customer),
		customerRef: make(map[string]Customer),
	}
}

func (s *snapshot) index(p Product) {
	s.products[p.ID] = p
	if code := p.TrimmedCode(); code != "" {
		s.byCode[code] = p
	}
	lower := strings.ToLower(p.Name)
	s.nameIndex[lower] = append(s.nameIndex[lower], p.ID)
}

func (s *snapshot) indexCustomer(c Customer) {
	s.customers[c.ID] = c
	if c.Ref != "" {
		s.customerRef[strings.TrimSpace(c.Ref)] = c
	}
}

// Store is the thread-safe, file-backed catalog: many concurrent
// readers, one writer (Incremental Sync) that swaps the whole snapshot
// atomically under an exclusive lock.
type Store struct {
	mu     sync.RWMutex
	snap   *snapshot
	logger *logrus.Logger
}

// NewStore builds an empty Store; callers load data via LoadFromFiles or
// Merge before serving reads.
func NewStore(logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{snap: newSnapshot(), logger: logger}
}

type productsFile struct {
	Products []Product `json:"products"`
}

type customersFile struct {
	Customers []Customer `json:"customers"`
}

// LoadFromFiles reads the two JSON snapshots named in spec §4.1 and
// builds the initial in-memory index, trimming codes and lowercasing
// the auxiliary name index as it goes.
func (s *Store) LoadFromFiles(productsPath, customersPath string) error {
	next := newSnapshot()

	pData, err := os.ReadFile(productsPath)
	if err != nil {
		return orderrors.FailedToWithDetails("read products catalog", "catalog", productsPath, err)
	}
	var pf productsFile
	if err := json.Unmarshal(pData, &pf); err != nil {
		return orderrors.FailedToWithDetails("parse products catalog", "catalog", productsPath, err)
	}
	for _, p := range pf.Products {
		next.index(p)
	}

	cData, err := os.ReadFile(customersPath)
	if err != nil {
		return orderrors.FailedToWithDetails("read customers catalog", "catalog", customersPath, err)
	}
	var cf customersFile
	if err := json.Unmarshal(cData, &cf); err != nil {
		return orderrors.FailedToWithDetails("parse customers catalog", "catalog", customersPath, err)
	}
	for _, c := range cf.Customers {
		next.indexCustomer(c)
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"products":  len(next.products),
		"customers": len(next.customers),
	}).Info("catalog loaded")
	return nil
}

// Merge builds a new snapshot from the current one plus the given
// upserts, and swaps it in atomically. Used by Incremental Sync after a
// successful ERP pull; never called by request-processing workers.
func (s *Store) Merge(products []Product, customers []Customer) {
	s.mu.RLock()
	current := s.snap
	s.mu.RUnlock()

	next := newSnapshot()
	for _, p := range current.products {
		next.index(p)
	}
	for _, c := range current.customers {
		next.indexCustomer(c)
	}
	for _, p := range products {
		next.index(p)
	}
	for _, c := range customers {
		next.indexCustomer(c)
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
}

// ByID looks up a product by its ERP-assigned id.
func (s *Store) ByID(id int) (Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.snap.products[id]
	return p, ok
}

// ByCode looks up a product by its trimmed, case-exact code. A product
// whose on-disk code carries trailing whitespace is still found when
// queried with the already-trimmed form.
func (s *Store) ByCode(code string) (Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.snap.byCode[strings.TrimSpace(code)]
	return p, ok
}

// SearchCodePrefix returns every product whose trimmed code starts with
// prefix, for operator-facing lookups and fallback matching.
func (s *Store) SearchCodePrefix(prefix string) []Product {
	prefix = strings.TrimSpace(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Product
	for code, p := range s.snap.byCode {
		if strings.HasPrefix(code, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// AllProducts returns every product in the current snapshot, in no
// particular order. Used by the embedding rebuild after sync.
func (s *Store) AllProducts() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Product, 0, len(s.snap.products))
	for _, p := range s.snap.products {
		out = append(out, p)
	}
	return out
}

// AllCustomers returns every customer in the current snapshot, in no
// particular order. Used to rewrite the on-disk customer snapshot
// after a sync.
func (s *Store) AllCustomers() []Customer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Customer, 0, len(s.snap.customers))
	for _, c := range s.snap.customers {
		out = append(out, c)
	}
	return out
}

// CustomerByID looks up a customer by its ERP-assigned id.
func (s *Store) CustomerByID(id int) (Customer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.snap.customers[id]
	return c, ok
}

// CustomerByRef looks up a customer by its external reference code.
func (s *Store) CustomerByRef(ref string) (Customer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.snap.customerRef[strings.TrimSpace(ref)]
	return c, ok
}

// SearchByName returns product ids whose lowercased name exactly
// matches name, the auxiliary index spec §4.1 calls for.
func (s *Store) SearchByName(name string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.snap.nameIndex[strings.ToLower(name)]
	out := make([]int, len(ids))
	copy(out, ids)
	return out
}

// ProductCount reports how many products are currently indexed.
func (s *Store) ProductCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.products)
}

// CustomerCount reports how many customers are currently indexed.
func (s *Store) CustomerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.customers)
}
