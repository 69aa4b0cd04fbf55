package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tipledger/crypto"
	"tipledger/native/token"
)

// ActorSeed assigns an actor type to an account at genesis.
type ActorSeed struct {
	Address string `yaml:"address"`
	Type    string `yaml:"type"`
}

// ActorsFile is the YAML document listing genesis actor assignments.
type ActorsFile struct {
	Actors []ActorSeed `yaml:"actors"`
}

// Actor is a decoded seed entry.
type Actor struct {
	Account [20]byte
	Type    token.ActorType
}

// LoadActors reads and decodes a YAML actor seed file. Duplicate accounts are
// rejected.
func LoadActors(path string) ([]Actor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open actors file: %w", err)
	}
	defer file.Close()

	var doc ActorsFile
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode actors file: %w", err)
	}
	return doc.decode()
}

func (f ActorsFile) decode() ([]Actor, error) {
	seen := make(map[[20]byte]struct{}, len(f.Actors))
	out := make([]Actor, 0, len(f.Actors))
	for i, seed := range f.Actors {
		raw := strings.TrimSpace(seed.Address)
		if raw == "" {
			return nil, fmt.Errorf("actors[%d]: address required", i)
		}
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("actors[%d]: %w", i, err)
		}
		actor, err := token.ParseActorType(seed.Type)
		if err != nil {
			return nil, fmt.Errorf("actors[%d]: %w", i, err)
		}
		if actor == token.ActorUnset {
			return nil, fmt.Errorf("actors[%d]: type required", i)
		}
		account := addr.Array()
		if _, dup := seen[account]; dup {
			return nil, fmt.Errorf("actors[%d]: duplicate address %s", i, raw)
		}
		seen[account] = struct{}{}
		out = append(out, Actor{Account: account, Type: actor})
	}
	if len(out) == 0 {
		return nil, errors.New("actors file lists no actors")
	}
	return out, nil
}
