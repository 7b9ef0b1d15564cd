package util

import (
	"os"
	"os/user"

	"github.com/pkg/errors"
)

// Homedir returns the home directory of the current user. $HOME takes
// precedence over the user database.
func Homedir() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "failed to look up current user")
	}
	return u.HomeDir, nil
}
