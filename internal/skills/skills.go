// Package skills loads reusable skill documents from a directory tree and
// renders them into the agent system prompt. A skill is a directory holding
// a SKILL.md whose first "# " heading is its name and whose first non-empty,
// non-heading line after that heading is its description; the full body is
// handed to the model on demand.
package skills

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SkillFile is the document each skill directory must contain.
const SkillFile = "SKILL.md"

// Skill is one loaded skill document.
type Skill struct {
	Name        string
	Description string
	Content     string
	Path        string
}

// Loader reads skills from a base directory and caches them in memory.
// Reload re-scans the directory, so a file watcher (or a periodic caller)
// can pick up edits without a restart.
type Loader struct {
	mu     sync.RWMutex
	dir    string
	skills []Skill
}

// NewLoader creates a Loader rooted at dir and performs the initial scan.
// A missing directory is not an error: the loader just holds zero skills.
func NewLoader(dir string) *Loader {
	l := &Loader{dir: dir}
	l.Reload()
	return l
}

// Reload re-scans the skills directory.
func (l *Loader) Reload() {
	var loaded []Skill

	entries, err := os.ReadDir(l.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(l.dir, e.Name(), SkillFile)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			s := parseSkill(e.Name(), string(data))
			s.Path = path
			loaded = append(loaded, s)
		}
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
}

func parseSkill(dirName, content string) Skill {
	s := Skill{Name: dirName, Content: content}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(trimmed, "# "); ok {
			s.Name = strings.TrimSpace(name)
			// First non-empty, non-heading line after the title is the description.
			for _, rest := range lines[i+1:] {
				rest = strings.TrimSpace(rest)
				if rest == "" || strings.HasPrefix(rest, "#") {
					continue
				}
				s.Description = rest
				break
			}
			break
		}
	}
	return s
}

// All returns every loaded skill.
func (l *Loader) All() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// Get returns a skill by name (case-insensitive), or false.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.skills {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Skill{}, false
}

// FilterSkills applies a per-agent allowlist: nil means all skills, an empty
// (non-nil) list means none, anything else filters by name.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	all := l.All()
	if allowList == nil {
		return all
	}
	if len(allowList) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		allowed[strings.ToLower(name)] = true
	}
	var out []Skill
	for _, s := range all {
		if allowed[strings.ToLower(s.Name)] {
			out = append(out, s)
		}
	}
	return out
}

// BuildSummary renders the filtered skill set as the <available_skills> block
// inlined into the system prompt.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)
	if len(filtered) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<available_skills>\n")
	for _, s := range filtered {
		sb.WriteString("  <skill name=\"" + s.Name + "\">")
		sb.WriteString(s.Description)
		sb.WriteString("</skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}
