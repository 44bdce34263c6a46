package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/tagrader/internal/models"
)

// Roster record files are plain JSON arrays maintained by hand or exported
// from other tools, so they are schema-checked before touching the store.
const studentsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["first_name", "last_name", "email", "section"],
    "properties": {
      "id": {"type": "integer"},
      "first_name": {"type": "string"},
      "last_name": {"type": "string"},
      "email": {"type": "string"},
      "section": {"type": "integer"}
    }
  }
}`

const labsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "parts"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "parts": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "name": {"type": "string"},
            "id": {"type": "string", "minLength": 1}
          }
        }
      },
      "options": {"type": "object"}
    }
  }
}`

const tasSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["netid"],
    "properties": {
      "netid": {"type": "string", "minLength": 1},
      "queue_name": {"type": "string"}
    }
  }
}`

const sectionsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["section_number", "default_due_time"],
    "properties": {
      "section_number": {"type": "integer", "minimum": 1},
      "default_due_time": {"type": "string"},
      "section_group": {"type": "string"}
    }
  }
}`

// Importer loads roster record files into the store.
type Importer struct {
	students StudentRepository
	labs     LabRepository
	sections SectionRepository
	tas      TARepository
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewImporter constructs a roster importer.
func NewImporter(students StudentRepository, labs LabRepository, sections SectionRepository, tas TARepository, validate *validator.Validate, logger zerolog.Logger) *Importer {
	return &Importer{
		students: students,
		labs:     labs,
		sections: sections,
		tas:      tas,
		validate: validate,
		logger:   logger.With().Str("component", "roster_importer").Logger(),
	}
}

func validateAgainstSchema(name, schema string, data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	return nil
}

// ImportStudents loads the student record file. Records missing an id get a
// synthesized placeholder id so students with bad data are not silently
// skipped.
func (im *Importer) ImportStudents(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read students file: %w", err)
	}
	if err := validateAgainstSchema("students.json", studentsSchema, data); err != nil {
		return 0, err
	}

	var students []models.Student
	if err := json.Unmarshal(data, &students); err != nil {
		return 0, fmt.Errorf("parse students file: %w", err)
	}

	placeholder := 0
	for i := range students {
		if students[i].ID == 0 {
			placeholder--
			students[i].ID = placeholder
			im.logger.Warn().
				Str("student", students[i].FullName()).
				Int("placeholder_id", students[i].ID).
				Msg("student record has no id, synthesized a placeholder")
		}
		if err := im.validate.Struct(students[i]); err != nil {
			return 0, fmt.Errorf("student %q: %w", students[i].FullName(), err)
		}
	}

	if err := im.students.Upsert(ctx, students); err != nil {
		return 0, err
	}
	return len(students), nil
}

// ImportLabs loads the lab record file.
func (im *Importer) ImportLabs(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read labs file: %w", err)
	}
	if err := validateAgainstSchema("labs.json", labsSchema, data); err != nil {
		return 0, err
	}

	var labs []models.Lab
	if err := json.Unmarshal(data, &labs); err != nil {
		return 0, fmt.Errorf("parse labs file: %w", err)
	}
	for i := range labs {
		if err := im.validate.Struct(labs[i]); err != nil {
			return 0, fmt.Errorf("lab %q: %w", labs[i].Name, err)
		}
	}

	if err := im.labs.Upsert(ctx, labs); err != nil {
		return 0, err
	}
	return len(labs), nil
}

// ImportSections loads the class-section record file.
func (im *Importer) ImportSections(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read sections file: %w", err)
	}
	if err := validateAgainstSchema("class_sections.json", sectionsSchema, data); err != nil {
		return 0, err
	}

	var sections []models.ClassSection
	if err := json.Unmarshal(data, &sections); err != nil {
		return 0, fmt.Errorf("parse sections file: %w", err)
	}
	for i := range sections {
		sections[i].Normalize()
		if err := im.validate.Struct(sections[i]); err != nil {
			return 0, fmt.Errorf("section %d: %w", sections[i].SectionNumber, err)
		}
	}

	if err := im.sections.Upsert(ctx, sections); err != nil {
		return 0, err
	}
	return len(sections), nil
}

// ImportTAs loads the grader record file.
func (im *Importer) ImportTAs(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tas file: %w", err)
	}
	if err := validateAgainstSchema("tas.json", tasSchema, data); err != nil {
		return 0, err
	}

	var tas []models.TA
	if err := json.Unmarshal(data, &tas); err != nil {
		return 0, fmt.Errorf("parse tas file: %w", err)
	}
	for i := range tas {
		if err := im.validate.Struct(tas[i]); err != nil {
			return 0, fmt.Errorf("ta %q: %w", tas[i].NetID, err)
		}
	}

	if err := im.tas.Upsert(ctx, tas); err != nil {
		return 0, err
	}
	return len(tas), nil
}
