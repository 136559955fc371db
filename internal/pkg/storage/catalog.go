package storage

import (
	"io/ioutil"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// SpecificationDefinition - plan rule as written in seed file
type SpecificationDefinition struct {
	Width      uint `yaml:"width"`
	Height     uint `yaml:"height"`
	Link       bool `yaml:"link"`
	ExpiryLink bool `yaml:"expiryLink"`
	// nil means default of 300 seconds
	ExpiryLinkSeconds *uint `yaml:"expiryLinkSeconds"`
}

// PlanDefinition - plan as written in seed file
type PlanDefinition struct {
	Name     string                    `yaml:"name"`
	Includes []SpecificationDefinition `yaml:"includes"`
}

// PlanList - root of ensure-plans.yaml
type PlanList struct {
	Plans []PlanDefinition `yaml:"plans"`
}

// Specification converts definition to model applying defaults
func (def SpecificationDefinition) Specification() ImageSpecification {
	var seconds uint = DefaultExpiryLinkSeconds
	if def.ExpiryLinkSeconds != nil {
		seconds = *def.ExpiryLinkSeconds
	}
	return ImageSpecification{
		Width:             def.Width,
		Height:            def.Height,
		Link:              def.Link,
		ExpiryLink:        def.ExpiryLink,
		ExpiryLinkSeconds: seconds,
	}
}

// ReadPlanList parses YAML plan list from file
func ReadPlanList(path string) (*PlanList, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlanList(data)
}

// ParsePlanList parses YAML plan list
func ParsePlanList(data []byte) (*PlanList, error) {
	var list PlanList
	if err := yaml.UnmarshalStrict(data, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetPlan returns plan by name with its rules in plan order
func (db *DB) GetPlan(name string) (*Plan, error) {
	var plan Plan
	q := db.Where("name = ?", name).First(&plan)
	if q.RecordNotFound() {
		return nil, PlanNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &plan, db.loadIncludes(&plan)
}

// GetPlanByID returns plan by id with its rules in plan order
func (db *DB) GetPlanByID(id uint) (*Plan, error) {
	var plan Plan
	q := db.Where("id = ?", id).First(&plan)
	if q.RecordNotFound() {
		return nil, PlanNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &plan, db.loadIncludes(&plan)
}

func (db *DB) loadIncludes(plan *Plan) error {
	plan.Includes = nil
	return db.Table("image_specifications").
		Select("image_specifications.*").
		Joins("JOIN plan_specifications ON plan_specifications.image_specification_id = image_specifications.id").
		Where("plan_specifications.plan_id = ?", plan.ID).
		Order("plan_specifications.position").
		Find(&plan.Includes).Error
}

// CreatePlan validates every rule and writes the plan in one transaction
func (db *DB) CreatePlan(def PlanDefinition) (*Plan, error) {
	if def.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "this field may not be blank"}
	}

	var specs = make([]ImageSpecification, len(def.Includes))
	for i, sdef := range def.Includes {
		specs[i] = sdef.Specification()
		if err := ValidateSpecification(specs[i]); err != nil {
			return nil, err
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}

	var plan = &Plan{Name: def.Name}
	if err = tx.Create(plan).Error; err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return nil, PlanExistsError
		}
		return nil, err
	}

	for i := range specs {
		if err = tx.Create(&specs[i]).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		err = tx.Create(&PlanSpecification{
			PlanID:               plan.ID,
			ImageSpecificationID: specs[i].ID,
			Position:             i,
		}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	plan.Includes = specs
	return plan, nil
}

// EnsurePlans creates plans which do not exist yet. Existing plans are never
// rewritten, a changed plan has to be published under a new name.
func (db *DB) EnsurePlans(defs []PlanDefinition) error {
	for _, def := range defs {
		_, err := db.GetPlan(def.Name)
		if err == nil {
			log.Info().Str("plan", def.Name).Msg("plan already exists, leaving it as is")
			continue
		}
		if err != PlanNotFoundError {
			return err
		}

		plan, err := db.CreatePlan(def)
		if err != nil {
			return err
		}
		log.Info().Str("plan", plan.Name).Int("rules", len(plan.Includes)).Msg("plan created")
	}
	return nil
}
