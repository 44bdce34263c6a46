package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ExportStudents writes the stored student roster back to a record file.
func (im *Importer) ExportStudents(ctx context.Context, path string) (int, error) {
	students, err := im.students.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeRecordFile(path, students); err != nil {
		return 0, fmt.Errorf("write students file: %w", err)
	}
	return len(students), nil
}

// ExportLabs writes the stored lab records back to a record file.
func (im *Importer) ExportLabs(ctx context.Context, path string) (int, error) {
	labs, err := im.labs.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeRecordFile(path, labs); err != nil {
		return 0, fmt.Errorf("write labs file: %w", err)
	}
	return len(labs), nil
}

// ExportSections writes the stored class sections back to a record file.
func (im *Importer) ExportSections(ctx context.Context, path string) (int, error) {
	sections, err := im.sections.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeRecordFile(path, sections); err != nil {
		return 0, fmt.Errorf("write sections file: %w", err)
	}
	return len(sections), nil
}

// ExportTAs writes the stored grader records back to a record file.
func (im *Importer) ExportTAs(ctx context.Context, path string) (int, error) {
	tas, err := im.tas.List(ctx)
	if err != nil {
		return 0, err
	}
	if err := writeRecordFile(path, tas); err != nil {
		return 0, fmt.Errorf("write tas file: %w", err)
	}
	return len(tas), nil
}

func writeRecordFile(path string, records any) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
