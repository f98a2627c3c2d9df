package fakeuserrepo

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-manager/users"
)

var _ users.Repo = (*FakeUserRepo)(nil)

var ErrNotFound = errors.New("not found")

type FakeUserRepo struct {
	accounts map[string]*users.Account
	emailIds map[string]string // email to user id
	lock     sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		accounts: make(map[string]*users.Account),
		emailIds: make(map[string]string),
	}
}

func (ur *FakeUserRepo) Upsert(account *users.Account) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if account.User.ID == "" {
		account.User.ID = uuid.New().String()
	}
	ur.accounts[account.User.ID] = account
	ur.emailIds[normaliseEmail(account.User.Email)] = account.User.ID
	return nil
}

// GetByEmail returns a copy so callers cannot mutate the stored account.
func (ur *FakeUserRepo) GetByEmail(email string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.emailIds[normaliseEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	account := *ur.accounts[id]
	return &account, nil
}

func (ur *FakeUserRepo) GetByID(id string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	account, ok := ur.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (ur *FakeUserRepo) SetActive(email string, active bool) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	id, ok := ur.emailIds[normaliseEmail(email)]
	if !ok {
		return ErrNotFound
	}
	ur.accounts[id].User.IsActive = active
	return nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
