//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// securityItemNotFound is the exit status of security(1) when no keychain
// item matches.
const securityItemNotFound = 44

// keychainExec reads a tether secret from the login keychain. The item's
// service is the application name and its account is the config key, e.g.
//
//	security add-generic-password -s tether -a commit.api_key -w
func keychainExec(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == securityItemNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, account, errSecretNotFound)
	}
	return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
}
