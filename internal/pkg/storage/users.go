package storage

import (
	"github.com/google/uuid"
)

// CreateUser creates a user, planName may be empty
func (db *DB) CreateUser(username, email, planName string) (*User, error) {
	var user = &User{
		ID:       uuid.New(),
		Username: username,
		Email:    email,
	}

	if planName != "" {
		plan, err := db.GetPlan(planName)
		if err != nil {
			return nil, err
		}
		user.PlanID = &plan.ID
	}

	if err := db.Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, UsernameTakenError
		}
		return nil, err
	}
	return user, nil
}

// QueryUser returns user by id
func (db *DB) QueryUser(id uuid.UUID) (*User, error) {
	var user User
	q := db.Where("id = ?", id).First(&user)
	if q.RecordNotFound() {
		return nil, UserNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &user, nil
}

// QueryUserByUsername returns user by username
func (db *DB) QueryUserByUsername(username string) (*User, error) {
	var user User
	q := db.Where("username = ?", username).First(&user)
	if q.RecordNotFound() {
		return nil, UserNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &user, nil
}

// AssignPlan sets plan of user. Empty planName removes the plan.
func (db *DB) AssignPlan(userID uuid.UUID, planName string) error {
	var planID *uint
	if planName != "" {
		plan, err := db.GetPlan(planName)
		if err != nil {
			return err
		}
		planID = &plan.ID
	}

	q := db.Model(&User{}).Where("id = ?", userID).Update("plan_id", planID)
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected != 1 {
		return UserNotFoundError
	}
	return nil
}
