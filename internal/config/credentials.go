package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

var (
	// ErrCredentialsNotFound is returned when the credentials file does not exist.
	ErrCredentialsNotFound = errors.New("credentials file not found")

	// ErrProfileNotFound is returned when the file has no entry for the stack.
	ErrProfileNotFound = errors.New("no credentials for stack")
)

// Credentials is one stack entry of the credentials file:
//
//	{"cad": {"url": "...", "accessKey": "...", "secretKey": "...", "companyId": "..."}}
type Credentials struct {
	URL       string `json:"url"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	CompanyID string `json:"companyId"`
}

// LoadCredentials reads the entry for stack from the credentials file.
func LoadCredentials(path, stack string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, fmt.Errorf("%w: %s", ErrCredentialsNotFound, path)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var profiles map[string]Credentials
	if err := json.Unmarshal(data, &profiles); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials %s: %w", path, err)
	}

	creds, ok := profiles[stack]
	if !ok {
		return Credentials{}, fmt.Errorf("%w=%s in %s", ErrProfileNotFound, stack, path)
	}

	if err := creds.validate(); err != nil {
		return Credentials{}, fmt.Errorf("credentials for stack=%s: %w", stack, err)
	}
	return creds, nil
}

func (c Credentials) validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("url cannot be empty")
	case c.AccessKey == "":
		return fmt.Errorf("accessKey cannot be empty")
	case c.SecretKey == "":
		return fmt.Errorf("secretKey cannot be empty")
	case c.CompanyID == "":
		return fmt.Errorf("companyId cannot be empty")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must be absolute (got %q)", c.URL)
	}
	return nil
}
