// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	sigilerr "github.com/sigil-dev/agentexec/pkg/errors"
)

const (
	keyringScheme = "keyring://"
	envScheme     = "env://"
)

// IsReference reports whether value names a secret instead of holding one.
func IsReference(value string) bool {
	return strings.HasPrefix(value, keyringScheme) || strings.HasPrefix(value, envScheme)
}

// ParseKeyringURI splits keyring://service/key. The key may contain
// slashes.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !strings.HasPrefix(uri, keyringScheme) {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns the secret value referenced by value. Plain values are
// returned unchanged. env://NAME reads an environment variable; an unset
// variable is an error.
func Resolve(store Store, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		if name == "" {
			return "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "invalid env reference %q", value)
		}
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", sigilerr.Errorf(sigilerr.CodeSecretNotFound, "environment variable %s is not set", name)
		}
		return v, nil
	case strings.HasPrefix(value, keyringScheme):
		service, key, err := ParseKeyringURI(value)
		if err != nil {
			return "", err
		}
		if store == nil {
			return "", sigilerr.Errorf(sigilerr.CodeSecretResolveFailure, "no secret store for %q", value)
		}
		secret, err := store.Get(service, key)
		if err != nil {
			return "", sigilerr.Wrapf(err, sigilerr.CodeSecretResolveFailure, "resolving %q", value)
		}
		return secret, nil
	default:
		return value, nil
	}
}

// ResolveViper replaces every secret reference in v with its value. It
// visits keys in sorted order and returns one error per key that could
// not be resolved; those keys keep their reference.
func ResolveViper(v *viper.Viper, store Store) []error {
	keys := v.AllKeys()
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		raw, ok := v.Get(key).(string)
		if !ok || !IsReference(raw) {
			continue
		}
		resolved, err := Resolve(store, raw)
		if err != nil {
			errs = append(errs, sigilerr.Wrapf(err, sigilerr.CodeSecretResolveFailure, "config key %s", key))
			continue
		}
		v.Set(key, resolved)
	}
	return errs
}
