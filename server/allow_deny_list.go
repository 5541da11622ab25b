package server

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type AllowDenyLists struct {
	Allowlist []PlayerInfo
	Denylist  []PlayerInfo
}

// AllowDenyConfig decides which players may log in. The JSON file looks like
//
//	{"allowlist": [{"name": "Alice"}], "denylist": [{"uuid": "..."}]}
type AllowDenyConfig struct {
	AllowDenyLists
}

func ParseAllowDenyConfig(allowDenyListPath string) (*AllowDenyConfig, error) {
	allowDenyConfig := AllowDenyConfig{}
	data, err := os.ReadFile(allowDenyListPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not read player allow/deny file")
	}
	err = json.Unmarshal(data, &allowDenyConfig)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse player allow/deny file")
	}
	return &allowDenyConfig, nil
}

func entryMatchesPlayer(entry *PlayerInfo, userInfo *PlayerInfo) bool {
	// User has added an "empty" entry
	// This should never match player info
	if entry.Name == "" && entry.Uuid == uuid.Nil {
		return false
	}

	if entry.Name != "" && entry.Uuid != uuid.Nil {
		return *entry == *userInfo
	}

	if entry.Uuid != uuid.Nil {
		return entry.Uuid == userInfo.Uuid
	}

	return entry.Name == userInfo.Name
}

// AllowsPlayer reports whether userInfo may log in. A non-empty allowlist admits only its
// entries; otherwise everyone not on the denylist is admitted.
func (allowDenyConfig *AllowDenyConfig) AllowsPlayer(userInfo *PlayerInfo) bool {
	if allowDenyConfig == nil {
		return true
	}

	for _, allowedPlayer := range allowDenyConfig.Allowlist {
		if entryMatchesPlayer(&allowedPlayer, userInfo) {
			return true
		}
	}

	if len(allowDenyConfig.Allowlist) > 0 {
		return false
	}

	for _, deniedPlayer := range allowDenyConfig.Denylist {
		if entryMatchesPlayer(&deniedPlayer, userInfo) {
			return false
		}
	}

	return true
}
