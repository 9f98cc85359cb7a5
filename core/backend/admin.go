package backend

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/regadmin/core/logger"
)

const adminUsername = "admin"

// ensureAdmin guarantees that a user with username "admin" and role admin
// exists before any request is served. The insert is a single atomic
// insert-if-not-exists, so concurrently starting instances cannot create a
// duplicate admin row. The password is stored as a bcrypt hash.
func (b *Backend) ensureAdmin(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := b.db.Exec(
		fmt.Sprintf(`INSERT INTO %s."users" (username, password, role, created_at)
VALUES ($1, $2, 'admin', now())
ON CONFLICT (username) DO NOTHING;`, b.db.Schema),
		adminUsername, string(hash))
	if err != nil {
		return fmt.Errorf("cannot seed admin user: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		logger.Default().Infoln("created default admin user")
	}
	return nil
}
