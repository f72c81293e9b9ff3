package study

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidAnswers is returned when questionnaire answers do not match the layout
var ErrInvalidAnswers = errors.New("invalid questionnaire answers")

// Layout lists the questionnaire sections in display order
type Layout struct {
	Sections []Section `json:"sections"`
}

// Section is one Likert block of the questionnaire
type Section struct {
	Name      string `json:"name"`
	Questions int    `json:"questions"`
	ScaleMin  int    `json:"scale_min"`
	ScaleMax  int    `json:"scale_max"`
}

// QuestionKey builds the storage key of a question, numbered from 1
func QuestionKey(section string, number int) string {
	return section + "." + strconv.Itoa(number)
}

// Lookup returns the named section
func (l Layout) Lookup(name string) (Section, bool) {
	for _, s := range l.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Answers validates section arrays and flattens them into per-question answers.
// Every section of the layout must be present with exactly its question count
// and every value must lie on the section's scale.
func (l Layout) Answers(sections map[string][]int) (map[string]int, error) {
	for name := range sections {
		if _, ok := l.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: unknown section %q", ErrInvalidAnswers, name)
		}
	}

	answers := make(map[string]int)
	for _, sec := range l.Sections {
		values, ok := sections[sec.Name]
		if !ok {
			return nil, fmt.Errorf("%w: section %q is missing", ErrInvalidAnswers, sec.Name)
		}
		if len(values) != sec.Questions {
			return nil, fmt.Errorf("%w: section %q needs %d answers, got %d",
				ErrInvalidAnswers, sec.Name, sec.Questions, len(values))
		}
		for i, v := range values {
			if v < sec.ScaleMin || v > sec.ScaleMax {
				return nil, fmt.Errorf("%w: %s is %d, outside %d-%d",
					ErrInvalidAnswers, QuestionKey(sec.Name, i+1), v, sec.ScaleMin, sec.ScaleMax)
			}
			answers[QuestionKey(sec.Name, i+1)] = v
		}
	}
	return answers, nil
}

// ToSections converts stored per-question answers back into section arrays.
// Unanswered questions are reported as 0.
func (l Layout) ToSections(answers map[string]int) map[string][]int {
	out := make(map[string][]int, len(l.Sections))
	for _, sec := range l.Sections {
		values := make([]int, sec.Questions)
		for i := range values {
			values[i] = answers[QuestionKey(sec.Name, i+1)]
		}
		out[sec.Name] = values
	}
	return out
}

// UnknownKeys returns stored keys that the layout does not define, sorted
func (l Layout) UnknownKeys(answers map[string]int) []string {
	var unknown []string
	for key := range answers {
		name, num, ok := strings.Cut(key, ".")
		sec, found := l.Lookup(name)
		n, err := strconv.Atoi(num)
		if !ok || !found || err != nil || n < 1 || n > sec.Questions {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}
