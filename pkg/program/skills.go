package program

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"petoiwire/pkg/protocol"
)

// Skill is an uploaded skill file: a token and its frame data.
type Skill struct {
	Name  string `json:"-"`
	Token string `json:"token"`
	Data  []any  `json:"data"`
}

// Params flattens the skill data one frame after another.
func (s Skill) Params() ([]int32, error) {
	return flattenParams(s.Data)
}

func (s Skill) Wire() (protocol.Wire, error) {
	params, err := s.Params()
	if err != nil {
		return protocol.Wire{}, fmt.Errorf("skill %s: %w", s.Name, err)
	}
	return protocol.Encode(s.Token, params)
}

// SkillLibrary holds skills by name.
type SkillLibrary struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

func NewSkillLibrary() *SkillLibrary {
	return &SkillLibrary{skills: make(map[string]Skill)}
}

// LoadSkills reads every *.json file in dir. A skill is named after its
// file without the extension.
func LoadSkills(dir string) (*SkillLibrary, error) {
	lib := NewSkillLibrary()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", path, err)
		}
		skill, err := ParseSkill(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())), data)
		if err != nil {
			return nil, err
		}
		lib.Add(skill)
	}
	return lib, nil
}

func ParseSkill(name string, data []byte) (Skill, error) {
	var s Skill
	if err := json.Unmarshal(data, &s); err != nil {
		return Skill{}, fmt.Errorf("parse skill %s: %w", name, err)
	}
	if s.Token == "" {
		return Skill{}, fmt.Errorf("parse skill %s: %w", name, protocol.ErrEmptyToken)
	}
	s.Name = name
	return s, nil
}

func (l *SkillLibrary) Add(s Skill) {
	l.mu.Lock()
	l.skills[s.Name] = s
	l.mu.Unlock()
}

func (l *SkillLibrary) Lookup(name string) (Skill, bool) {
	if l == nil {
		return Skill{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

func (l *SkillLibrary) Names() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.skills))
	for name := range l.skills {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)
	return names
}
