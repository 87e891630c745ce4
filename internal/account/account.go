package account

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrUnknownUser is returned when the account database has no such user.
var ErrUnknownUser = errors.New("unknown user")

// Account is a resolved local user.
type Account struct {
	Name string
	Home string
	UID  int
	GID  int
}

// Directory resolves user names to accounts
type Directory interface {
	Lookup(name string) (*Account, error)
}

// System resolves accounts through the host's user database (NSS).
type System struct{}

// Lookup resolves name, returning ErrUnknownUser if it does not exist.
func (System) Lookup(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
		}
		return nil, fmt.Errorf("lookup user %s: %w", name, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("user %s has non-numeric gid %q", name, u.Gid)
	}
	if u.HomeDir == "" {
		return nil, fmt.Errorf("user %s has no home directory", name)
	}

	return &Account{Name: u.Username, Home: u.HomeDir, UID: uid, GID: gid}, nil
}

// IsPrivileged reports whether the process runs with an effective uid of 0.
func IsPrivileged() bool {
	return unix.Geteuid() == 0
}
