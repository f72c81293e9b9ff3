package study

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultStudy []byte

// Loader loads and holds the active study definition
type Loader struct {
	mu    sync.RWMutex
	study *Study
}

// NewLoader creates a new study loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the study from path, or the built-in study when path is empty
func (l *Loader) Load(path string) error {
	if path == "" {
		return l.LoadBytes(defaultStudy, "built-in")
	}
	return l.LoadFromFile(path)
}

// LoadFromFile loads a study from a YAML file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return l.LoadBytes(data, path)
}

// LoadBytes parses and validates a YAML study definition
func (l *Loader) LoadBytes(data []byte, source string) error {
	var sf studyFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	st, err := sf.build()
	if err != nil {
		return fmt.Errorf("invalid study %s: %w", source, err)
	}

	l.mu.Lock()
	l.study = st
	l.mu.Unlock()

	slog.Info("study loaded",
		"source", source,
		"name", st.Name,
		"practice_trials", len(st.Practice),
		"main_trials", len(st.Main),
		"trial_seconds", st.TrialSeconds,
	)
	return nil
}

// Current returns the active study, nil before the first load
func (l *Loader) Current() *Study {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.study
}

// Default parses the built-in study
func Default() (*Study, error) {
	var sf studyFile
	if err := yaml.Unmarshal(defaultStudy, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse built-in study: %w", err)
	}
	return sf.build()
}

// --- YAML file structs ---

type studyFile struct {
	Name          string            `yaml:"name"`
	TrialSeconds  int               `yaml:"trial_seconds"`
	MaxSelections int               `yaml:"max_selections"`
	Practice      [][]string        `yaml:"practice"`
	Main          [][]string        `yaml:"main"`
	Questionnaire questionnaireFile `yaml:"questionnaire"`
}

type questionnaireFile struct {
	Sections []sectionFile `yaml:"sections"`
}

type sectionFile struct {
	Name      string `yaml:"name"`
	Questions int    `yaml:"questions"`
	ScaleMin  int    `yaml:"scale_min"`
	ScaleMax  int    `yaml:"scale_max"`
}

func (sf studyFile) build() (*Study, error) {
	st := &Study{
		Name:          sf.Name,
		TrialSeconds:  sf.TrialSeconds,
		MaxSelections: sf.MaxSelections,
	}

	// Apply defaults
	if st.TrialSeconds == 0 {
		st.TrialSeconds = 12
	}
	if st.MaxSelections == 0 {
		st.MaxSelections = 5
	}
	if st.TrialSeconds < 0 || st.MaxSelections < 0 {
		return nil, fmt.Errorf("trial_seconds and max_selections must be positive")
	}
	st.TrialDuration = time.Duration(st.TrialSeconds) * time.Second

	var err error
	if st.Practice, err = cleanGroups("practice", sf.Practice, st.MaxSelections); err != nil {
		return nil, err
	}
	if st.Main, err = cleanGroups("main", sf.Main, st.MaxSelections); err != nil {
		return nil, err
	}
	if len(st.Main) == 0 {
		return nil, fmt.Errorf("main block needs at least one group")
	}

	seen := make(map[string]bool)
	for _, sec := range sf.Questionnaire.Sections {
		if sec.Name == "" || strings.Contains(sec.Name, ".") {
			return nil, fmt.Errorf("invalid section name %q", sec.Name)
		}
		if seen[sec.Name] {
			return nil, fmt.Errorf("duplicate section %q", sec.Name)
		}
		seen[sec.Name] = true

		if sec.Questions < 1 {
			return nil, fmt.Errorf("section %q needs at least one question", sec.Name)
		}
		if sec.ScaleMin >= sec.ScaleMax {
			return nil, fmt.Errorf("section %q has an empty scale %d-%d", sec.Name, sec.ScaleMin, sec.ScaleMax)
		}
		st.Questionnaire.Sections = append(st.Questionnaire.Sections, Section(sec))
	}

	return st, nil
}

// cleanGroups trims items and rejects groups that cannot fill a selection quota
func cleanGroups(block string, groups [][]string, quota int) ([][]string, error) {
	out := make([][]string, 0, len(groups))
	for i, group := range groups {
		items := make([]string, 0, len(group))
		seen := make(map[string]bool, len(group))
		for _, item := range group {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, fmt.Errorf("%s group %d has an empty item", block, i)
			}
			if seen[item] {
				return nil, fmt.Errorf("%s group %d repeats %q", block, i, item)
			}
			seen[item] = true
			items = append(items, item)
		}
		if len(items) < quota {
			return nil, fmt.Errorf("%s group %d has %d items, quota is %d", block, i, len(items), quota)
		}
		out = append(out, items)
	}
	return out, nil
}
