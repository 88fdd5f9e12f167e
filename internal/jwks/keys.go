package jwks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Source identifies where a key was loaded from.
type Source string

const (
	SourceJWKS   Source = "jwks"
	SourceStatic Source = "static"
)

// Key is a single verification key. Material holds the public key produced by
// go-jose (*rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey) or the shared
// secret ([]byte) for oct keys.
type Key struct {
	KID       string
	Algorithm string
	Material  any
	Source    Source
}

var (
	// ErrKeyNotFound is returned when no key in the current set matches the
	// requested kid and the single-key fallback does not apply.
	ErrKeyNotFound = errors.New("jwks: signing key not found")
	// ErrKeyFetchFailed is returned when no key set has ever been loaded and
	// the remote fetch failed.
	ErrKeyFetchFailed = errors.New("jwks: key fetch failed")
	// ErrNoSource is returned by constructors given neither a URL nor keys.
	ErrNoSource = errors.New("jwks: no key source configured")
)

var errNoUsableKeys = errors.New("jwks: no usable keys")

// ParseSet decodes key material in any of the accepted shapes: a JWKS
// document ({"keys": [...]}), a single JWK object or a JSON array of JWKs.
// Keys that fail to decode or are not signing keys are skipped.
func ParseSet(data []byte, src Source, log *slog.Logger) ([]Key, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNoUsableKeys
	}

	var raws []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decode key array: %w", err)
		}
	case '{':
		var doc struct {
			Keys []json.RawMessage `json:"keys"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode key set: %w", err)
		}
		if doc.Keys != nil {
			raws = doc.Keys
		} else {
			raws = []json.RawMessage{data}
		}
	default:
		return nil, errors.New("key material must be a JSON object or array")
	}

	keys := make([]Key, 0, len(raws))
	for i, raw := range raws {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			log.Warn("jwks.key.skip", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			log.Debug("jwks.key.skip", slog.String("kid", jwk.KeyID), slog.String("use", jwk.Use))
			continue
		}
		// Private material configured by mistake is reduced to its public half.
		// Symmetric keys have no public half and are kept as is.
		if !jwk.IsPublic() {
			if pub := jwk.Public(); pub.Valid() {
				jwk = pub
			}
		}
		keys = append(keys, Key{
			KID:       jwk.KeyID,
			Algorithm: jwk.Algorithm,
			Material:  jwk.Key,
			Source:    src,
		})
	}
	if len(keys) == 0 {
		return nil, errNoUsableKeys
	}
	return keys, nil
}

func hasKeysField(data []byte) bool {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return len(doc.Keys) > 0
}

type keySet struct {
	keys      []Key
	fetchedAt time.Time
	static    bool
}

// lookup scans the set for kid. When the set holds exactly one key it is
// returned whatever kid says, so single-key deployments work with tokens that
// omit or misstate their kid.
func (s *keySet) lookup(kid string) (Key, error) {
	if kid != "" {
		for _, k := range s.keys {
			if k.KID == kid {
				return k, nil
			}
		}
	}
	if len(s.keys) == 1 {
		return s.keys[0], nil
	}
	if kid == "" {
		return Key{}, fmt.Errorf("%w: token has no kid and %d keys are loaded", ErrKeyNotFound, len(s.keys))
	}
	return Key{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}
