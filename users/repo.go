package users

// Repo stores backend accounts. Only the in-memory backend uses it; the session
// manager itself only ever sees User snapshots.
type Repo interface {
	Upsert(account *Account) error
	GetByEmail(email string) (*Account, error)
	GetByID(ID string) (*Account, error)
	SetActive(email string, active bool) error
}
