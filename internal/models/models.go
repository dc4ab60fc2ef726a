package models

import "gorm.io/gorm"

// Role: роль пользователя: клиент встаёт в очереди, бизнес их обслуживает.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleBusiness Role = "business"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleBusiness
}

type User struct {
	gorm.Model
	Name         string `gorm:"not null"`
	Surname      string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         Role   `gorm:"not null;default:customer"`
	// Длительность обслуживания одного участника в общей очереди бизнеса, минуты (0 значит по умолчанию).
	ServiceMinutes int
}

// DisplayName: имя, которое видят другие участники очереди.
func (u User) DisplayName() string {
	if u.Surname == "" {
		return u.Name
	}
	return u.Name + " " + u.Surname
}
