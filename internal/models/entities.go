package models

import (
	"encoding/json"
	"fmt"
)

// Class is a grade level taught at a school (e.g. "Class 7").
type Class struct {
	ID       string `json:"id" validate:"required"`
	SchoolID string `json:"school_id" validate:"required"`
	Name     string `json:"name" validate:"required,max=100"`
	Level    int    `json:"level,omitempty" validate:"gte=0"`
}

// Section is a subdivision of a class (e.g. "7-B").
type Section struct {
	ID       string `json:"id" validate:"required"`
	SchoolID string `json:"school_id" validate:"required"`
	ClassID  string `json:"class_id" validate:"required"`
	Name     string `json:"name" validate:"required,max=50"`
}

// Subject is a taught subject.
type Subject struct {
	ID         string  `json:"id" validate:"required"`
	SchoolID   string  `json:"school_id" validate:"required"`
	Name       string  `json:"name" validate:"required,max=100"`
	Code       string  `json:"code,omitempty" validate:"omitempty,alphanum_,max=20"`
	TotalMarks float64 `json:"total_marks,omitempty" validate:"gte=0"`
}

// Student is an enrolled student.
type Student struct {
	ID           string `json:"id" validate:"required"`
	SchoolID     string `json:"school_id" validate:"required"`
	Name         string `json:"name" validate:"required,max=150"`
	RollNumber   string `json:"roll_number,omitempty" validate:"omitempty,max=30"`
	ClassID      string `json:"class_id,omitempty"`
	SectionID    string `json:"section_id,omitempty"`
	GuardianName string `json:"guardian_name,omitempty" validate:"omitempty,max=150"`
	Phone        string `json:"phone,omitempty" validate:"omitempty,max=30"`
}

// Teacher is a staff member who teaches subjects.
type Teacher struct {
	ID         string   `json:"id" validate:"required"`
	SchoolID   string   `json:"school_id" validate:"required"`
	Name       string   `json:"name" validate:"required,max=150"`
	Email      string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string   `json:"phone,omitempty" validate:"omitempty,max=30"`
	SubjectIDs []string `json:"subject_ids,omitempty"`
}

// Test is an assessment given to a class in a subject.
type Test struct {
	ID         string  `json:"id" validate:"required"`
	SchoolID   string  `json:"school_id" validate:"required"`
	Name       string  `json:"name" validate:"required,max=150"`
	ClassID    string  `json:"class_id" validate:"required"`
	SubjectID  string  `json:"subject_id" validate:"required"`
	TotalMarks float64 `json:"total_marks" validate:"gt=0"`
	TestDate   string  `json:"test_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// TestResult is one student's marks on a test.
type TestResult struct {
	ID            string  `json:"id" validate:"required"`
	SchoolID      string  `json:"school_id" validate:"required"`
	TestID        string  `json:"test_id" validate:"required"`
	StudentID     string  `json:"student_id" validate:"required"`
	ObtainedMarks float64 `json:"obtained_marks" validate:"gte=0"`
	Remarks       string  `json:"remarks,omitempty" validate:"omitempty,max=500"`
}

// PerformanceLevel maps a percentage band to a named grade.
type PerformanceLevel struct {
	ID            string  `json:"id" validate:"required"`
	SchoolID      string  `json:"school_id" validate:"required"`
	Name          string  `json:"name" validate:"required,max=50"`
	MinPercentage float64 `json:"min_percentage" validate:"gte=0,lte=100"`
	MaxPercentage float64 `json:"max_percentage" validate:"gte=0,lte=100,gtefield=MinPercentage"`
}

// newEntity returns a zero typed entity for a collection, or nil for
// collections without a typed shape.
func newEntity(collection string) any {
	switch collection {
	case CollectionClasses:
		return &Class{}
	case CollectionSections:
		return &Section{}
	case CollectionSubjects:
		return &Subject{}
	case CollectionStudents:
		return &Student{}
	case CollectionTeachers:
		return &Teacher{}
	case CollectionTests:
		return &Test{}
	case CollectionTestResults:
		return &TestResult{}
	case CollectionPerformanceLevels:
		return &PerformanceLevel{}
	}
	return nil
}

// ToRecord converts a typed entity to a generic Record.
func ToRecord(entity any) (Record, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	return DecodeRecord(data)
}

// FromRecord decodes a Record into the typed entity pointed to by dst.
func FromRecord(r Record, dst any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %T: %w", dst, err)
	}
	return nil
}

// ValidateRecord checks a record against the typed shape of its collection.
// Extra fields are allowed; collections without a typed shape only need an id.
func ValidateRecord(collection string, r Record) error {
	entity := newEntity(collection)
	if entity == nil {
		if r.ID() == "" {
			return fmt.Errorf("id: this field is required")
		}
		return nil
	}
	if err := FromRecord(r, entity); err != nil {
		return err
	}
	return Validate(entity)
}
