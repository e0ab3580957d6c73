package repo

import (
	"context"
	"sync"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/account/entity"
)

// MemoryRepo keeps accounts in process memory. Callers always receive copies.
type MemoryRepo struct {
	mu      sync.RWMutex
	byID    map[string]*entity.Account
	byEmail map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]*entity.Account{}, byEmail: map[string]string{}}
}

func (r *MemoryRepo) Create(_ context.Context, a *entity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := entity.NormalizeEmail(a.Email)
	if _, ok := r.byEmail[key]; ok {
		return ErrDuplicate
	}
	if _, ok := r.byID[a.ID]; ok {
		return ErrDuplicate
	}
	cp := *a
	r.byID[a.ID] = &cp
	r.byEmail[key] = a.ID
	return nil
}

func (r *MemoryRepo) FindByEmail(_ context.Context, email string) (*entity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[entity.NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.copyOf(id, false)
}

func (r *MemoryRepo) FindActiveByEmail(_ context.Context, email string) (*entity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[entity.NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return r.copyOf(id, true)
}

func (r *MemoryRepo) FindByID(_ context.Context, id string) (*entity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(id, false)
}

func (r *MemoryRepo) FindActiveByID(_ context.Context, id string) (*entity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(id, true)
}

// copyOf must be called with the lock held.
func (r *MemoryRepo) copyOf(id string, activeOnly bool) (*entity.Account, error) {
	a, ok := r.byID[id]
	if !ok || (activeOnly && !a.IsActive) {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepo) Save(_ context.Context, a *entity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	r.byID[a.ID] = &cp
	return nil
}
