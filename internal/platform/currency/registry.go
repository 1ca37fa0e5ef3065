// Package currency keeps the in-memory registry of currency definitions.
// Mutations hit persistence first and then refresh the indices under one
// lock, so readers always observe a currency set that existed in the store.
package currency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

var (
	ErrUnknownCurrency          = errors.New("unknown currency")
	ErrDuplicateIdentifier      = errors.New("identifier already used")
	ErrPrimaryCurrencyProtected = errors.New("primary currency cannot be deleted")
)

type Registry struct {
	repo    store.CurrencyRepo
	seed    config.DefaultCurrency
	logger  *zap.Logger

	mu      sync.RWMutex
	byIdent map[string]store.Currency
	byID    map[int64]store.Currency
}

func NewRegistry(repo store.CurrencyRepo, seed config.DefaultCurrency, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		repo:    repo,
		seed:    seed,
		logger:  logger,
		byIdent: make(map[string]store.Currency),
		byID:    make(map[int64]store.Currency),
	}
}

// Init loads all non-deleted currencies and bootstraps the configured
// default primary currency when the store is empty.
func (r *Registry) Init(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	empty := len(r.byID) == 0
	r.mu.RUnlock()
	if !empty {
		return nil
	}

	c := &store.Currency{
		Identifier:        strings.ToLower(r.seed.Identifier),
		Name:              r.seed.Name,
		Symbol:            r.seed.Symbol,
		DecimalPlaces:     money.ClampPlaces(r.seed.DecimalPlaces),
		DefaultMaxBalance: r.seed.DefaultMaxBalance,
		IsPrimary:         true,
		Enabled:           true,
		ConsoleLog:        r.seed.ConsoleLog,
	}
	if err := r.repo.Insert(ctx, c); err != nil {
		return fmt.Errorf("bootstrap default currency: %w", err)
	}
	r.logger.Info("bootstrapped default primary currency", zap.String("identifier", c.Identifier))
	return r.Refresh(ctx)
}

// Refresh reloads the indices from persistence in one swap.
func (r *Registry) Refresh(ctx context.Context) error {
	active, err := r.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	byIdent := make(map[string]store.Currency, len(active))
	byID := make(map[int64]store.Currency, len(active))
	for _, c := range active {
		byIdent[strings.ToLower(c.Identifier)] = c
		byID[c.ID] = c
	}
	r.mu.Lock()
	r.byIdent = byIdent
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Create registers a new currency. Identifiers are normalized to lowercase
// and reserved forever: a soft-deleted identifier can never be reused.
func (r *Registry) Create(ctx context.Context, identifier, name string, places int32, symbol string, defaultMaxBalance int64, consoleLog bool) (*store.Currency, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return nil, fmt.Errorf("identifier must not be empty")
	}
	if _, err := r.repo.FindByIdentifier(ctx, identifier, true); err == nil {
		return nil, ErrDuplicateIdentifier
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	c := &store.Currency{
		Identifier:        identifier,
		Name:              name,
		Symbol:            symbol,
		DecimalPlaces:     money.ClampPlaces(places),
		DefaultMaxBalance: defaultMaxBalance,
		IsPrimary:         false,
		Enabled:           true,
		ConsoleLog:        consoleLog,
	}
	if err := r.repo.Insert(ctx, c); err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete soft-deletes a currency. The primary currency is protected until
// another currency is elected primary.
func (r *Registry) Delete(ctx context.Context, identifier string) error {
	c, err := r.repo.FindByIdentifier(ctx, identifier, false)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownCurrency
	}
	if err != nil {
		return err
	}
	if c.IsPrimary {
		return ErrPrimaryCurrencyProtected
	}
	if err := r.repo.SoftDelete(ctx, c.ID); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

func (r *Registry) setEnabled(ctx context.Context, identifier string, enabled bool) error {
	c, err := r.repo.FindByIdentifier(ctx, identifier, false)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownCurrency
	}
	if err != nil {
		return err
	}
	if c.Enabled == enabled {
		return nil
	}
	c.Enabled = enabled
	if err := r.repo.Update(ctx, c); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

func (r *Registry) Enable(ctx context.Context, identifier string) error {
	return r.setEnabled(ctx, identifier, true)
}

func (r *Registry) Disable(ctx context.Context, identifier string) error {
	return r.setEnabled(ctx, identifier, false)
}

// SetPrimary elects the target currency, clearing the flag everywhere
// else. Exactly one non-deleted currency is primary on success.
func (r *Registry) SetPrimary(ctx context.Context, identifier string) error {
	c, err := r.repo.FindByIdentifier(ctx, identifier, false)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownCurrency
	}
	if err != nil {
		return err
	}
	if err := r.repo.ClearPrimary(ctx); err != nil {
		return err
	}
	c.IsPrimary = true
	if err := r.repo.Update(ctx, c); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

// Update persists edited display fields (name, symbol, limit, console log)
// for an existing currency and refreshes the indices.
func (r *Registry) Update(ctx context.Context, c *store.Currency) error {
	if err := r.repo.Update(ctx, c); err != nil {
		return err
	}
	return r.Refresh(ctx)
}

func (r *Registry) GetByIdentifier(identifier string) (store.Currency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdent[strings.ToLower(identifier)]
	return c, ok
}

func (r *Registry) GetByID(id int64) (store.Currency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) GetPrimary() (store.Currency, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if c.IsPrimary {
			return c, true
		}
	}
	return store.Currency{}, false
}

func (r *Registry) ListActive() []store.Currency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Currency, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) ListEnabled() []store.Currency {
	out := r.ListActive()
	kept := out[:0]
	for _, c := range out {
		if c.Enabled {
			kept = append(kept, c)
		}
	}
	return kept
}

func (r *Registry) ListEnabledIdentifiers() []string {
	enabled := r.ListEnabled()
	out := make([]string, 0, len(enabled))
	for _, c := range enabled {
		out = append(out, c.Identifier)
	}
	return out
}
