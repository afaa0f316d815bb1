// Package course parses generated course text into a module tree.
package course

import (
	"regexp"
	"strings"
	"time"
)

// Course is the structured artifact stored for format=course runs.
type Course struct {
	Title       string    `json:"title"`
	Modules     []Module  `json:"modules"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Module struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Lessons     []Lesson `json:"lessons"`
}

type Lesson struct {
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Exercises []Exercise `json:"exercises"`
}

type Exercise struct {
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
}

// lineKind classifies one input line. Classification is separate from the
// state transitions below so the grammar stays explicit instead of being a
// chain of pattern matches with implicit priority.
type lineKind int

const (
	lineBlank lineKind = iota
	lineModuleHeading
	lineLessonHeading
	lineExerciseHeading
	lineText
)

var (
	moduleRe   = regexp.MustCompile(`(?i)^#+\s+(module|section)\s+\d+`)
	lessonRe   = regexp.MustCompile(`(?i)^#{3,}\s+lesson\s+\d+`)
	exerciseRe = regexp.MustCompile(`(?i)^#{4,}\s+exercise`)
	headingRe  = regexp.MustCompile(`^#+\s+`)
)

func classify(line string) lineKind {
	switch {
	case strings.TrimSpace(line) == "":
		return lineBlank
	case exerciseRe.MatchString(line):
		return lineExerciseHeading
	case lessonRe.MatchString(line):
		return lineLessonHeading
	case moduleRe.MatchString(line):
		return lineModuleHeading
	default:
		return lineText
	}
}

// Parse walks the text line by line. Headings open a module, lesson, or
// exercise; free text attaches to the most specific open node (exercise >
// lesson > module description). Lesson and exercise headings outside their
// parent scope degrade to text. If no module heading appears at all, the
// whole text becomes one default module with a single lesson.
func Parse(title, content string) Course {
	c := Course{Title: title, GeneratedAt: time.Now().UTC()}

	for _, line := range strings.Split(content, "\n") {
		switch classify(line) {
		case lineBlank:
			continue
		case lineModuleHeading:
			c.Modules = append(c.Modules, Module{Title: headingText(line)})
		case lineLessonHeading:
			if m := c.currentModule(); m != nil {
				m.Lessons = append(m.Lessons, Lesson{Title: headingText(line)})
			}
		case lineExerciseHeading:
			if l := c.currentLesson(); l != nil {
				l.Exercises = append(l.Exercises, Exercise{Title: headingText(line)})
			}
		case lineText:
			c.appendText(line)
		}
	}

	if len(c.Modules) == 0 {
		c.Modules = []Module{{
			Title:       "Module 1: Introduction",
			Description: "Introduction to the course",
			Lessons: []Lesson{{
				Title:   "Lesson 1: Main Content",
				Content: strings.TrimSpace(content),
			}},
		}}
	}
	return c
}

func (c *Course) currentModule() *Module {
	if len(c.Modules) == 0 {
		return nil
	}
	return &c.Modules[len(c.Modules)-1]
}

func (c *Course) currentLesson() *Lesson {
	m := c.currentModule()
	if m == nil || len(m.Lessons) == 0 {
		return nil
	}
	return &m.Lessons[len(m.Lessons)-1]
}

func (c *Course) currentExercise() *Exercise {
	l := c.currentLesson()
	if l == nil || len(l.Exercises) == 0 {
		return nil
	}
	return &l.Exercises[len(l.Exercises)-1]
}

// appendText attaches a text line to the deepest open node. Text before the
// first module heading has no home and is dropped; the no-module fallback in
// Parse covers inputs without any structure.
func (c *Course) appendText(line string) {
	if e := c.currentExercise(); e != nil {
		e.Instructions += line + "\n"
		return
	}
	if l := c.currentLesson(); l != nil {
		l.Content += line + "\n"
		return
	}
	if m := c.currentModule(); m != nil {
		m.Description += line + "\n"
	}
}

func headingText(line string) string {
	return strings.TrimSpace(headingRe.ReplaceAllString(line, ""))
}
