package policy

import (
	"path/filepath"
	"sort"
	"strings"
)

// AppProfile describes how to find the processes behind an app the user asked to block.
type AppProfile interface {
	// ID returns unique identifier (e.g., "steam", "dota2").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// Aliases returns app names (as reported by the window sensor) that map to this profile.
	Aliases() []string

	// ProcessPatterns returns process names to kill.
	// Patterns are matched case-insensitively.
	ProcessPatterns() []string
}

// staticProfile is an AppProfile defined by data.
type staticProfile struct {
	id       string
	name     string
	aliases  []string
	patterns []string
}

func (p staticProfile) ID() string                { return p.id }
func (p staticProfile) Name() string              { return p.name }
func (p staticProfile) Aliases() []string         { return p.aliases }
func (p staticProfile) ProcessPatterns() []string { return p.patterns }

// NewAppProfile builds a profile from plain data.
func NewAppProfile(id, name string, aliases, patterns []string) AppProfile {
	return staticProfile{id: id, name: name, aliases: aliases, patterns: patterns}
}

// SteamProfile covers the Steam client and its helpers.
func SteamProfile() AppProfile {
	return staticProfile{
		id:      "steam",
		name:    "Steam",
		aliases: []string{"steam", "steam.exe", "steamwebhelper"},
		patterns: []string{
			"Steam",
			"steam_osx",
			"steamwebhelper",
			"Steam Helper",
		},
	}
}

// Dota2Profile covers Dota 2 and its launcher.
func Dota2Profile() AppProfile {
	return staticProfile{
		id:      "dota2",
		name:    "Dota 2",
		aliases: []string{"dota2", "dota2.exe", "dota 2"},
		patterns: []string{
			"dota2",
			"dota_osx64",
			"Dota 2",
			"dota2_launcher",
		},
	}
}

// AppRegistry holds known app profiles.
type AppRegistry struct {
	profiles map[string]AppProfile
}

// NewAppRegistry creates a registry with the built-in profiles.
func NewAppRegistry() *AppRegistry {
	return NewAppRegistryWithProfiles(SteamProfile(), Dota2Profile())
}

// NewAppRegistryWithProfiles creates a registry with custom profiles (for testing).
func NewAppRegistryWithProfiles(profiles ...AppProfile) *AppRegistry {
	r := &AppRegistry{profiles: make(map[string]AppProfile)}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// Register adds a profile to the registry.
func (r *AppRegistry) Register(p AppProfile) {
	r.profiles[p.ID()] = p
}

// Get returns a profile by ID.
func (r *AppRegistry) Get(id string) (AppProfile, bool) {
	p, ok := r.profiles[id]
	return p, ok
}

// List returns all profile IDs, sorted.
func (r *AppRegistry) List() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve maps an app name to a profile. Unknown apps get an ad-hoc profile
// whose single pattern is the executable name without extension.
func (r *AppRegistry) Resolve(app string) AppProfile {
	key := strings.ToLower(strings.TrimSpace(app))
	if p, ok := r.profiles[key]; ok {
		return p
	}
	for _, p := range r.profiles {
		for _, alias := range p.Aliases() {
			if strings.EqualFold(alias, key) {
				return p
			}
		}
	}
	base := strings.TrimSuffix(filepath.Base(key), filepath.Ext(key))
	if base == "" || base == "." {
		// never produce an empty pattern, it would match every process
		return staticProfile{id: key, name: app}
	}
	return staticProfile{id: base, name: app, aliases: []string{key}, patterns: []string{base}}
}
