package namespace

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hengadev/medvault"
)

// Category identifies the kind of a stored file.
type Category string

const (
	MedicalRecord    Category = "medical_record"
	LabResult        Category = "lab_result"
	Prescription     Category = "prescription"
	TreatmentPlan    Category = "treatment_plan"
	DiagnosticImage  Category = "diagnostic_image"
	ConsultationNote Category = "consultation_note"

	// Department-specific equivalents
	DentalXRay       Category = "dental_xray"
	OrthodonticScan  Category = "orthodontic_scan"
	SkinPhotograph   Category = "skin_photograph"
	BiopsyReport     Category = "biopsy_report"
	BeforeAfterPhoto Category = "before_after_photo"
	ProcedureConsent Category = "procedure_consent"
)

// Department carries the per-department configuration that the four historical
// department services each hard-coded: the category-to-folder table, the owner
// fields that must be encrypted and the categories whose payloads are encrypted.
type Department struct {
	Name                string              `yaml:"name"`
	Folders             map[Category]string `yaml:"folders"`
	SensitiveFields     []string            `yaml:"sensitive_fields"`
	EncryptedCategories []Category          `yaml:"encrypted_categories"`
}

// Folder returns the folder mapped to a category.
func (d Department) Folder(c Category) (string, bool) {
	folder, ok := d.Folders[c]
	return folder, ok
}

// Category returns the category whose folder is the given name.
func (d Department) Category(folder string) (Category, bool) {
	for c, f := range d.Folders {
		if f == folder {
			return c, true
		}
	}
	return "", false
}

// Categories returns the department categories in a stable order.
func (d Department) Categories() []Category {
	out := make([]Category, 0, len(d.Folders))
	for c := range d.Folders {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSensitive reports whether an owner field must go through the encryption envelope.
func (d Department) IsSensitive(field string) bool {
	for _, f := range d.SensitiveFields {
		if f == field {
			return true
		}
	}
	return false
}

// EncryptsCategory reports whether payloads of the category are encrypted at rest.
func (d Department) EncryptsCategory(c Category) bool {
	for _, e := range d.EncryptedCategories {
		if e == c {
			return true
		}
	}
	return false
}

func (d Department) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: department name is required", medvault.ErrInvalidConfiguration)
	}
	if len(d.Folders) == 0 {
		return fmt.Errorf("%w: department '%s' has no categories", medvault.ErrInvalidConfiguration, d.Name)
	}
	seen := make(map[string]Category, len(d.Folders))
	for c, folder := range d.Folders {
		if err := validateSegment("folder", folder); err != nil {
			return fmt.Errorf("department '%s': %w", d.Name, err)
		}
		if other, dup := seen[folder]; dup {
			return fmt.Errorf("%w: department '%s' maps '%s' and '%s' to folder '%s'",
				medvault.ErrInvalidConfiguration, d.Name, other, c, folder)
		}
		seen[folder] = c
	}
	for _, c := range d.EncryptedCategories {
		if _, ok := d.Folders[c]; !ok {
			return medvault.NewInvalidCategoryError(d.Name, string(c))
		}
	}
	return nil
}

var sharedFolders = map[Category]string{
	MedicalRecord:    "medical_records",
	LabResult:        "lab_results",
	Prescription:     "prescriptions",
	TreatmentPlan:    "treatment_plans",
	DiagnosticImage:  "diagnostic_images",
	ConsultationNote: "consultation_notes",
}

func withShared(extra map[Category]string) map[Category]string {
	folders := make(map[Category]string, len(sharedFolders)+len(extra))
	for c, f := range sharedFolders {
		folders[c] = f
	}
	for c, f := range extra {
		folders[c] = f
	}
	return folders
}

var defaultSensitiveFields = []string{"address", "emergency_contact", "insurance_number"}

// Departments returns the built-in department tables keyed by name.
func Departments() map[string]Department {
	return map[string]Department{
		"medicine": {
			Name:                "medicine",
			Folders:             withShared(nil),
			SensitiveFields:     defaultSensitiveFields,
			EncryptedCategories: []Category{MedicalRecord, LabResult, Prescription, DiagnosticImage},
		},
		"dentistry": {
			Name: "dentistry",
			Folders: withShared(map[Category]string{
				DentalXRay:      "dental_xrays",
				OrthodonticScan: "orthodontic_scans",
			}),
			SensitiveFields:     defaultSensitiveFields,
			EncryptedCategories: []Category{MedicalRecord, Prescription, DentalXRay},
		},
		"dermatology": {
			Name: "dermatology",
			Folders: withShared(map[Category]string{
				SkinPhotograph: "skin_photographs",
				BiopsyReport:   "biopsy_reports",
			}),
			SensitiveFields:     append([]string{"policy_number"}, defaultSensitiveFields...),
			EncryptedCategories: []Category{MedicalRecord, LabResult, BiopsyReport, SkinPhotograph},
		},
		"cosmetology": {
			Name: "cosmetology",
			Folders: map[Category]string{
				ConsultationNote: "consultation_notes",
				TreatmentPlan:    "treatment_plans",
				BeforeAfterPhoto: "before_after_photos",
				ProcedureConsent: "procedure_consents",
			},
			SensitiveFields:     []string{"address", "emergency_contact"},
			EncryptedCategories: []Category{BeforeAfterPhoto, ProcedureConsent},
		},
	}
}

type departmentsFile struct {
	Departments []Department `yaml:"departments"`
}

// LoadDepartments returns the built-in tables, overridden by the departments
// declared in the YAML file at path when path is not empty.
func LoadDepartments(path string) (map[string]Department, error) {
	departments := Departments()
	if path == "" {
		return departments, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read departments file: %w", err)
	}
	var file departmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse departments file: %w", medvault.ErrInvalidConfiguration, err)
	}
	for _, d := range file.Departments {
		if err := d.validate(); err != nil {
			return nil, err
		}
		departments[d.Name] = d
	}
	return departments, nil
}

// LookupDepartment loads the tables and selects one by name.
func LookupDepartment(path, name string) (Department, error) {
	departments, err := LoadDepartments(path)
	if err != nil {
		return Department{}, err
	}
	d, ok := departments[name]
	if !ok {
		return Department{}, fmt.Errorf("%w: unknown department '%s'", medvault.ErrInvalidConfiguration, name)
	}
	return d, nil
}
